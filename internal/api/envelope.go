package api

import (
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/message"

	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/dispatch"
	"grimm.is/umc/internal/payload"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/status"
)

// Envelope is the body of every console response.
type Envelope struct {
	Status  int `json:"status"`
	Message any `json:"message"`
	Result  any `json:"result"`
}

// reply is what an endpoint hands back to the lifecycle.
type reply struct {
	Status  int
	Message any
	Result  any
	// Header is copied onto the response before the envelope headers.
	Header http.Header
	// Body, when set, is streamed verbatim instead of an envelope.
	Body io.ReadCloser
}

// Error is an endpoint failure carrying an envelope status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code int, msg string) *Error {
	return &Error{Status: code, Message: msg}
}

// failure translates err into a status and a localized message.
func failure(p *message.Printer, err error) (int, string) {
	var (
		mp  *payload.MalformedPayload
		de  *dispatch.Error
		ae  *Error
		aue *auth.Error
	)
	switch {
	case errors.As(err, &mp):
		return mp.Status, translate(p, mp.Message)
	case errors.As(err, &ae):
		return ae.Status, translate(p, ae.Message)
	case errors.As(err, &de):
		return de.Status, translate(p, de.Message)
	case errors.As(err, &aue):
		return auth.Status(err), translate(p, aue.Error())
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, session.ErrExpired):
		return status.BadRequestUnauth, translate(p, status.Description(status.BadRequestUnauth))
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		return status.BadRequest, translate(p, "The session is already authenticated as another user.")
	}
	return status.ServerError, err.Error()
}

// translate looks msg up in the catalog. Messages containing verbs came
// from elsewhere and are passed through.
func translate(p *message.Printer, msg string) string {
	if strings.Contains(msg, "%") {
		return msg
	}
	return p.Sprintf(msg)
}

// encodeEnvelope renders the envelope, wrapped in a textarea for iframe
// uploads which cannot read JSON bodies.
func encodeEnvelope(env Envelope, iframe bool) (contentType string, body []byte) {
	data, err := json.Marshal(env)
	if err != nil {
		env.Result = nil
		env.Status = status.ServerError
		env.Message = "failed to encode response: " + err.Error()
		data, _ = json.Marshal(env)
	}
	if !iframe {
		return "application/json", data
	}
	wrapped := "<html><body><textarea>" + html.EscapeString(string(data)) + "</textarea></body></html>"
	return "text/html; charset=UTF-8", []byte(wrapped)
}

// encodeMessage renders the X-UMC-Message header value.
func encodeMessage(msg any) string {
	if msg == nil {
		msg = ""
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return `""`
	}
	return string(data)
}
