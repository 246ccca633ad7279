// Package payload turns inbound request bodies into a normalized document.
//
// Three codecs are understood: JSON objects, multipart uploads (only on the
// upload endpoint) and url-encoded forms. Anything else is accepted only when
// the request carries no body.
package payload

import (
	"fmt"
	"os"
)

// Payload is the decoded body of one request.
type Payload struct {
	// Body is the top-level document. JSON requests carry it verbatim; the
	// other codecs synthesize one with an "options" key.
	Body map[string]any
	// Files lists uploaded files persisted to the upload directory.
	Files []File
}

// File describes one persisted upload.
type File struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
	TmpFile  string `json:"tmpfile"`
}

// Options returns the "options" member of the body, or an empty mapping.
func (p *Payload) Options() any {
	if p == nil || p.Body == nil {
		return map[string]any{}
	}
	if opts, ok := p.Body["options"]; ok && opts != nil {
		return opts
	}
	return map[string]any{}
}

// OptionsMap returns the options when they are a mapping.
func (p *Payload) OptionsMap() map[string]any {
	if m, ok := p.Options().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Flavor returns the "flavor" member of the body, if it is a string.
func (p *Payload) Flavor() string {
	if p == nil || p.Body == nil {
		return ""
	}
	s, _ := p.Body["flavor"].(string)
	return s
}

// Cleanup removes all persisted upload files.
func (p *Payload) Cleanup() {
	if p == nil {
		return
	}
	for _, f := range p.Files {
		_ = os.Remove(f.TmpFile)
	}
}

// MalformedPayload is returned for body and content type problems. Status
// is the suggested response status.
type MalformedPayload struct {
	Status  int
	Message string
	Err     error
}

func (e *MalformedPayload) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *MalformedPayload) Unwrap() error { return e.Err }

func malformed(status int, msg string, err error) *MalformedPayload {
	return &MalformedPayload{Status: status, Message: msg, Err: err}
}
