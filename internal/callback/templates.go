package callback

import (
	_ "embed"
	"html/template"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackPageData is rendered into the page the OAuth2 flow ends on
type CallbackPageData struct {
	Token       string
	MessagePath string
}
