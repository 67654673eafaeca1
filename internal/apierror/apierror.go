// Package apierror normalizes the error shapes produced by the HTTP
// transport and the backend into a status and a human readable detail.
package apierror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// GenericMessage is shown when nothing better can be extracted
const GenericMessage = "Something went wrong."

// Normalized is the uniform error shape. Status is zero when the failure
// carried no HTTP status.
type Normalized struct {
	Status int
	Detail string
}

// Response is the part of an HTTP response kept on a ResponseError
type Response struct {
	Status int
	Header http.Header
	// Data is the decoded JSON body, or the raw body as a string when it
	// was not JSON
	Data any
}

// ResponseError is returned by the transport when the backend answered
// with a non-2xx status. Response is nil when no response was received.
type ResponseError struct {
	Method   string
	URL      string
	Response *Response
	Err      error
}

func (e *ResponseError) Error() string {
	switch {
	case e.Response != nil:
		return fmt.Sprintf("request failed with status code %d", e.Response.Status)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "request failed"
	}
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// FieldError is one entry of a validation failure list
type FieldError struct {
	Loc  []any  `json:"loc,omitempty"`
	Msg  string `json:"msg"`
	Type string `json:"type,omitempty"`
}

// Detail is a validation body's detail: a plain string or a list of
// field errors
type Detail struct {
	Text   string
	Fields []FieldError
}

func (d *Detail) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		return json.Unmarshal(data, &d.Text)
	case data[0] == '[':
		return json.Unmarshal(data, &d.Fields)
	default:
		return fmt.Errorf("unexpected detail: %s", data)
	}
}

func (d Detail) MarshalJSON() ([]byte, error) {
	if len(d.Fields) > 0 {
		return json.Marshal(d.Fields)
	}
	return json.Marshal(d.Text)
}

// StatusBody is the body carried by a StatusError
type StatusBody struct {
	Detail Detail `json:"detail"`
}

// StatusError is a failure carrying a status and a validation body
type StatusError struct {
	Status  int
	Body    StatusBody
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("status %d", e.Status)
}

// Parse normalizes err. It accepts any value and never panics: a typed
// nil whose Error or Unwrap method dereferences its receiver yields the
// generic message.
func Parse(err any) (n Normalized) {
	defer func() {
		if recover() != nil {
			n = Normalized{Detail: GenericMessage}
		}
	}()

	switch v := err.(type) {
	case nil:
		return Normalized{Detail: GenericMessage}
	case error:
		return parseError(v)
	case map[string]any:
		if msg, ok := v["message"].(string); ok && msg != "" {
			return Normalized{Detail: msg}
		}
	}
	return Normalized{Detail: GenericMessage}
}

func parseError(err error) Normalized {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		if respErr == nil {
			return Normalized{Detail: GenericMessage}
		}
		return parseResponseError(respErr)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr == nil {
			return Normalized{Detail: GenericMessage}
		}
		n := Normalized{Status: statusErr.Status}
		switch {
		case len(statusErr.Body.Detail.Fields) > 0 && statusErr.Body.Detail.Fields[0].Msg != "":
			n.Detail = statusErr.Body.Detail.Fields[0].Msg
		case statusErr.Body.Detail.Text != "":
			n.Detail = statusErr.Body.Detail.Text
		default:
			n.Detail = statusErr.Message
		}
		return withFallback(n)
	}

	return withFallback(Normalized{Detail: err.Error()})
}

func parseResponseError(e *ResponseError) Normalized {
	var n Normalized
	if e.Response != nil {
		n.Status = e.Response.Status
		if data, ok := e.Response.Data.(map[string]any); ok {
			n.Detail = firstString(data["detail"], data["message"], firstSubError(data))
		}
	}
	if n.Detail == "" {
		n.Detail = e.Error()
	}
	return withFallback(n)
}

// firstSubError reads subErrors[0].message from the backend's ApiError
func firstSubError(data map[string]any) any {
	subs, ok := data["subErrors"].([]any)
	if !ok || len(subs) == 0 {
		return nil
	}
	sub, ok := subs[0].(map[string]any)
	if !ok {
		return nil
	}
	return sub["message"]
}

func firstString(values ...any) string {
	for _, v := range values {
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case []any:
			// FastAPI-style validation list
			if len(s) > 0 {
				if m, ok := s[0].(map[string]any); ok {
					if msg, ok := m["msg"].(string); ok && msg != "" {
						return msg
					}
				}
			}
		}
	}
	return ""
}

func withFallback(n Normalized) Normalized {
	if n.Detail == "" {
		n.Detail = GenericMessage
	}
	return n
}

// Message is the user facing text for err
func Message(err any) string {
	return Parse(err).Detail
}

// IsSessionInvalid reports whether n means the credential is no longer
// accepted
func IsSessionInvalid(n Normalized) bool {
	return n.Status == http.StatusUnauthorized || n.Status == http.StatusForbidden
}

// StatusOf returns the HTTP status carried by err, or zero
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	return Parse(err).Status
}
