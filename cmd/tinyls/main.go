package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dgellow/tinyls-client/internal/apierror"
	"github.com/dgellow/tinyls-client/internal/app"
	"github.com/dgellow/tinyls-client/internal/config"
	"github.com/dgellow/tinyls-client/internal/log"
	"github.com/dgellow/tinyls-client/internal/relay"
)

var BuildVersion = "dev"

// errUsage marks errors caused by how the command was invoked
var errUsage = errors.New("usage error")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("tinyls", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	conf := fs.String("config", os.Getenv("TINYLS_CONFIG"), "path to config file (defaults apply when empty)")
	logLevel := fs.String("log-level", "", "log level: error, warn, info, debug or trace")
	version := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *version {
		fmt.Fprintln(stdout, BuildVersion)
		return 0
	}
	if *logLevel != "" {
		if err := log.SetLogLevel(*logLevel); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	cmd, rest, ok := lookup(fs.Args())
	if !ok {
		if fs.NArg() > 0 {
			fmt.Fprintf(stderr, "Error: unknown command %q\n", strings.Join(fs.Args(), " "))
		}
		printUsage(stderr, fs)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cmdEnv{stdin: stdin, stdout: stdout, stderr: stderr}
	if cmd.needsApp {
		cfg, err := config.Load(*conf)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		a, err := app.New(cfg, app.WithOutput(stderr))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.LogWarnWithFields("main", "Failed to close credential store", map[string]any{
					"error": err.Error(),
				})
			}
		}()
		env.app = a
	}

	if err := cmd.execute(ctx, env, rest); err != nil {
		return reportError(stderr, err)
	}
	return 0
}

// reportError prints err the way the user should see it and returns the
// exit status
func reportError(w io.Writer, err error) int {
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(w, "Error: %s\n", strings.TrimPrefix(err.Error(), errUsage.Error()+": "))
		return 2
	case errors.Is(err, app.ErrLoginRequired):
		// The forced logout already told the user what to do
		return 1
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(w, "Interrupted")
		return 130
	}

	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		fmt.Fprintf(w, "Error: %v\n", relayErr)
		return 1
	}
	if apierror.StatusOf(err) != 0 {
		fmt.Fprintf(w, "Error: %s\n", apierror.Message(err))
		return 1
	}

	log.LogDebugWithFields("main", "Command failed", map[string]any{"error": err.Error()})
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: tinyls [flags] <command> [command flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	sorted := append([]*command(nil), commands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })
	for _, c := range sorted {
		fmt.Fprintf(w, "  %-18s %s\n", c.name, c.summary)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
}
