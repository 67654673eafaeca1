package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/dgellow/tinyls-client/internal/api"
	"github.com/dgellow/tinyls-client/internal/app"
	"github.com/dgellow/tinyls-client/internal/credential"
	"github.com/dgellow/tinyls-client/internal/crypto"
	"github.com/dgellow/tinyls-client/internal/emailutil"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/relay"
	"github.com/dgellow/tinyls-client/internal/session"
)

var errNotLoggedIn = errors.New("not logged in (run `tinyls login`)")

type cmdEnv struct {
	app    *app.App
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	name     string
	summary  string
	needsApp bool
	flags    func(fs *pflag.FlagSet) func(ctx context.Context, env *cmdEnv, args []string) error
}

// execute parses the command's own flags and runs it
func (c *command) execute(ctx context.Context, env *cmdEnv, args []string) error {
	fs := pflag.NewFlagSet("tinyls "+c.name, pflag.ContinueOnError)
	fs.SetOutput(env.stderr)
	runFn := c.flags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return usageError("%v", err)
	}
	return runFn(ctx, env, fs.Args())
}

var commands = []*command{
	{name: "status", summary: "Show the current session", needsApp: true, flags: statusCommand},
	{name: "login", summary: "Log in with a password or an identity provider", needsApp: true, flags: loginCommand},
	{name: "logout", summary: "Forget the stored credential", needsApp: true, flags: logoutCommand},
	{name: "register", summary: "Create a local account and log in", needsApp: true, flags: registerCommand},
	{name: "profile set", summary: "Update name or avatar", needsApp: true, flags: profileSetCommand},
	{name: "password change", summary: "Change the password of a local account", needsApp: true, flags: passwordChangeCommand},
	{name: "account delete", summary: "Delete the account and log out", needsApp: true, flags: accountDeleteCommand},
	{name: "keygen", summary: "Generate a key for the sealed credential store", flags: keygenCommand},
}

// lookup matches two-word commands before one-word ones
func lookup(args []string) (*command, []string, bool) {
	if len(args) >= 2 {
		name := args[0] + " " + args[1]
		for _, c := range commands {
			if c.name == name {
				return c, args[2:], true
			}
		}
	}
	if len(args) >= 1 {
		for _, c := range commands {
			if c.name == args[0] {
				return c, args[1:], true
			}
		}
	}
	return nil, nil, false
}

func noArgs(name string, args []string) error {
	if len(args) > 0 {
		return usageError("%s: unexpected argument %q", name, args[0])
	}
	return nil
}

func statusCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	return func(ctx context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("status", args); err != nil {
			return err
		}
		a := env.app
		if err := <-a.Bootstrap(ctx); err != nil {
			log.LogDebugWithFields("status", "Stored credential did not resolve", map[string]any{
				"error": err.Error(),
			})
		}

		state := a.Session.State()
		fmt.Fprintf(env.stdout, "Status: %s\n", state.Status())
		if !state.IsLoggedIn {
			return nil
		}
		printProfile(env.stdout, state.User)
		if c, ok := a.Session.Credential(); ok {
			if claims, ok := credential.Inspect(c); ok && !claims.ExpiresAt.IsZero() {
				fmt.Fprintf(env.stdout, "Expires: %s\n", claims.ExpiresAt.Local().Format(time.RFC1123))
			}
		}
		return nil
	}
}

func printProfile(w io.Writer, p *session.Profile) {
	fmt.Fprintf(w, "User:     %s <%s>\n", p.Name, p.Email)
	fmt.Fprintf(w, "Provider: %s\n", p.Provider)
	if p.AvatarURL != "" {
		fmt.Fprintf(w, "Avatar:   %s\n", p.AvatarURL)
	}
}

func loginCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	email := fs.String("email", "", "email of a local account")
	passwordFile := fs.String("password-file", "", "file holding the password, or - to prompt (default: prompt)")
	provider := fs.String("provider", "", "identity provider: google or github")
	callbackURL := fs.String("callback-url", "", "finish a login from the URL the browser ended on")

	return func(ctx context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("login", args); err != nil {
			return err
		}

		set := 0
		for _, v := range []string{*email, *provider, *callbackURL} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return usageError("login: exactly one of --email, --provider or --callback-url is required")
		}

		if *email != "" {
			*email = emailutil.Normalize(*email)
			if err := emailutil.Validate(*email); err != nil {
				return usageError("login: %v", err)
			}
		}

		a := env.app
		var err error
		switch {
		case *email != "":
			err = a.Run(ctx, func(ctx context.Context) error {
				return passwordLogin(ctx, env, *email, *passwordFile)
			})
		case *provider != "":
			p := strings.ToLower(strings.TrimSpace(*provider))
			if p != "google" && p != "github" {
				return usageError("login: unsupported provider %q (google or github)", *provider)
			}
			err = a.RunWithLoopback(ctx, func(ctx context.Context) error {
				return providerLogin(ctx, env, p)
			})
		default:
			err = a.Run(ctx, func(ctx context.Context) error {
				return a.Relay.Complete(ctx, *callbackURL)
			})
		}
		if err != nil {
			return err
		}

		if state := a.Session.State(); state.IsLoggedIn {
			fmt.Fprintf(env.stdout, "Logged in as %s <%s>\n", state.User.Name, state.User.Email)
		}
		return nil
	}
}

func passwordLogin(ctx context.Context, env *cmdEnv, email, passwordFile string) error {
	password, err := readPassword("Password: ", passwordFile, env.stdin, env.stderr)
	if err != nil {
		return err
	}
	cred, err := env.app.Client.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, api.ErrInvalidCredentials) {
			return api.ErrInvalidCredentials
		}
		return err
	}
	return env.app.Session.Login(ctx, cred)
}

// providerLogin runs one handshake. In tab mode the browser may live on
// another machine, so a pasted callback URL completes the handshake too.
func providerLogin(ctx context.Context, env *cmdEnv, provider string) error {
	a := env.app
	h, err := a.Relay.Start(ctx, provider)
	if err != nil {
		return err
	}

	if h.Mode == relay.ModeTab && isTerminal(env.stdin) {
		fmt.Fprintln(env.stderr, "If the browser cannot reach this machine, paste the URL it ended on:")
		go func() {
			line, err := readLine(env.stdin)
			if err != nil || line == "" {
				return
			}
			if err := a.Relay.Complete(ctx, line); err != nil {
				log.LogDebugWithFields("login", "Pasted callback URL rejected", map[string]any{
					"error": err.Error(),
				})
			}
		}()
	}

	return h.Wait(ctx)
}

func logoutCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	return func(_ context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("logout", args); err != nil {
			return err
		}
		env.app.Session.Logout()
		fmt.Fprintln(env.stdout, "Logged out")
		return nil
	}
}

func registerCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	email := fs.String("email", "", "email for the new account")
	name := fs.String("name", "", "display name")
	passwordFile := fs.String("password-file", "", "file holding the password, or - to prompt (default: prompt)")

	return func(ctx context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("register", args); err != nil {
			return err
		}
		if *email == "" || *name == "" {
			return usageError("register: --email and --name are required")
		}
		*email = emailutil.Normalize(*email)
		if err := emailutil.Validate(*email); err != nil {
			return usageError("register: %v", err)
		}

		a := env.app
		return a.Run(ctx, func(ctx context.Context) error {
			password, err := readPassword("Password: ", *passwordFile, env.stdin, env.stderr)
			if err != nil {
				return err
			}
			if _, err := a.Client.Register(ctx, api.RegisterRequest{Email: *email, Password: password, Name: *name}); err != nil {
				return err
			}
			if err := passwordLoginWith(ctx, a, *email, password); err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "Registered and logged in as %s <%s>\n", *name, *email)
			return nil
		})
	}
}

func passwordLoginWith(ctx context.Context, a *app.App, email, password string) error {
	cred, err := a.Client.Authenticate(ctx, email, password)
	if err != nil {
		return err
	}
	return a.Session.Login(ctx, cred)
}

// requireSession resolves the stored credential and fails when it does
// not yield a profile
func requireSession(ctx context.Context, a *app.App) (*session.Profile, error) {
	if err := <-a.Bootstrap(ctx); err != nil {
		log.LogDebugWithFields("session", "Stored credential did not resolve", map[string]any{
			"error": err.Error(),
		})
	}
	state := a.Session.State()
	if !state.IsLoggedIn {
		return nil, errNotLoggedIn
	}
	return state.User, nil
}

func profileSetCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	name := fs.String("name", "", "new display name")
	avatar := fs.String("avatar-url", "", "new avatar URL")

	return func(ctx context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("profile set", args); err != nil {
			return err
		}
		if *name == "" && *avatar == "" {
			return usageError("profile set: --name or --avatar-url is required")
		}

		a := env.app
		return a.Run(ctx, func(ctx context.Context) error {
			if _, err := requireSession(ctx, a); err != nil {
				return err
			}
			if _, err := a.Client.UpdateProfile(ctx, api.ProfileUpdate{Name: *name, AvatarURL: *avatar}); err != nil {
				return err
			}
			// The cached profile is only ever replaced through the session
			if err := a.Session.Refresh(ctx); err != nil {
				return err
			}
			printProfile(env.stdout, a.Session.State().User)
			return nil
		})
	}
}

func passwordChangeCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	currentFile := fs.String("current-password-file", "", "file holding the current password (default: prompt)")
	newFile := fs.String("new-password-file", "", "file holding the new password (default: prompt)")

	return func(ctx context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("password change", args); err != nil {
			return err
		}

		a := env.app
		return a.Run(ctx, func(ctx context.Context) error {
			user, err := requireSession(ctx, a)
			if err != nil {
				return err
			}
			if !user.CanChangePassword {
				return fmt.Errorf("accounts created with %s have no password to change", user.Provider)
			}

			current, err := readPassword("Current password: ", *currentFile, env.stdin, env.stderr)
			if err != nil {
				return err
			}
			next, err := readPassword("New password: ", *newFile, env.stdin, env.stderr)
			if err != nil {
				return err
			}
			if err := a.Client.UpdatePassword(ctx, api.PasswordChange{CurrentPassword: current, NewPassword: next}); err != nil {
				return err
			}
			fmt.Fprintln(env.stdout, "Password changed")
			return nil
		})
	}
}

func accountDeleteCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	yes := fs.Bool("yes", false, "confirm deletion")

	return func(ctx context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("account delete", args); err != nil {
			return err
		}
		if !*yes {
			return usageError("account delete: pass --yes to confirm, this cannot be undone")
		}

		a := env.app
		return a.Run(ctx, func(ctx context.Context) error {
			if _, err := requireSession(ctx, a); err != nil {
				return err
			}
			if err := a.Client.DeleteAccount(ctx); err != nil {
				return err
			}
			a.Session.Logout()
			fmt.Fprintln(env.stdout, "Account deleted")
			return nil
		})
	}
}

func keygenCommand(fs *pflag.FlagSet) func(context.Context, *cmdEnv, []string) error {
	return func(_ context.Context, env *cmdEnv, args []string) error {
		if err := noArgs("keygen", args); err != nil {
			return err
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(env.stdout, key)
		return nil
	}
}
