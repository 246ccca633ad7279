package api

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"grimm.is/umc/internal/dispatch"
	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/metrics"
	"grimm.is/umc/internal/status"
)

// handleCommand dispatches /command/<path> and /upload/<path> to the module
// process of the session.
func (s *Server) handleCommand(kind string) endpointFunc {
	prefix := "/" + kind + "/"
	return func(c *call) (*reply, error) {
		command := strings.Trim(strings.TrimPrefix(c.r.URL.Path, prefix), "/")
		if command == "" {
			return nil, newError(status.BadRequestNotFound, status.Description(status.BadRequestNotFound))
		}

		var groups []string
		if id := c.session.Identity(); id != nil {
			groups = id.Groups
		}
		locale := c.session.Locale()
		if locale.IsRoot() {
			locale = i18n.MatchLanguage(c.r.Header.Get("Accept-Language"))
		}

		resp, err := s.router.Dispatch(c.ctx(), &dispatch.Request{
			Session:   c.session,
			Authority: s.catalog.For(c.session.Username(), groups),
			Kind:      kind,
			Command:   command,
			Options:   c.payload.Options(),
			Flavor:    c.r.Header.Get("X-UMC-Flavor"),
			ClientIP:  c.clientIP,
			Locale:    i18n.POSIXLocale(locale),
			Language:  locale.String(),
			Accept:    c.r.Header.Get("Accept"),
			UserAgent: c.r.Header.Get("User-Agent"),
		})
		if err != nil {
			return nil, err
		}
		rep := &reply{Status: resp.Status, Message: resp.Message, Header: resp.Header}
		if resp.Body != nil {
			rep.Body = resp.Body
		} else {
			rep.Result = resp.Result
		}
		return rep, nil
	}
}

// handleUpload returns the uploaded files base64 encoded.
func (s *Server) handleUpload(c *call) (*reply, error) {
	files := make([]map[string]any, 0, len(c.payload.Files))
	for _, f := range c.payload.Files {
		data, err := os.ReadFile(f.TmpFile)
		if err != nil {
			metrics.Get().Uploads.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to read upload %s: %w", f.Filename, err)
		}
		files = append(files, map[string]any{
			"filename": f.Filename,
			"name":     f.Name,
			"content":  base64.StdEncoding.EncodeToString(data),
		})
	}
	return &reply{Result: files}, nil
}
