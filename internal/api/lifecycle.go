package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"grimm.is/umc/internal/audit"
	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/payload"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/status"
)

const (
	authAttemptsPerWindow = 5
	authWindow            = time.Minute
	// cookieLifetime is the expiry horizon of the session cookies set on login.
	cookieLifetime = 5 * 365 * 24 * time.Hour
)

type endpointOptions struct {
	// protected endpoints require an authenticated session.
	protected bool
	// upload endpoints accept multipart bodies.
	upload bool
}

// call is the state of one request as it moves through the lifecycle.
type call struct {
	w        http.ResponseWriter
	r        *http.Request
	session  *session.Session
	payload  *payload.Payload
	clientIP string
	printer  *message.Printer
	iframe   bool
	ssoToken string
	written  bool
}

func (c *call) ctx() context.Context { return c.r.Context() }

type endpointFunc func(c *call) (*reply, error)

// endpoint wraps fn in the request lifecycle. It guarantees that exactly one
// response is written, including when fn panics.
func (s *Server) endpoint(opts endpointOptions, fn endpointFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := &call{
			w:        w,
			r:        r,
			clientIP: clientIP(r),
			printer:  i18n.GetPrinter(r.Context()),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-UMC-Message", `""`)

		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("Panic while handling request", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				s.fail(c, fmt.Errorf("internal error: %v", v))
			}
		}()

		p, err := s.decoder.Decode(r, opts.upload)
		if err != nil {
			s.fail(c, err)
			return
		}
		defer p.Cleanup()
		c.payload = p
		c.iframe = opts.upload && isIframe(r, p)
		if r.Header.Get("X-UMC-Flavor") == "" {
			if flavor := p.Flavor(); flavor != "" {
				r.Header.Set("X-UMC-Flavor", flavor)
			}
		}

		c.session = s.resumeSession(w, r)
		if tag := c.session.Locale(); tag != language.Und {
			c.printer = i18n.NewPrinter(tag)
		}

		if err := s.authenticateRequest(c); err != nil {
			s.fail(c, err)
			return
		}
		if opts.protected {
			if err := auth.RequireAuthenticated(c.session); err != nil {
				s.fail(c, err)
				return
			}
		}

		rep, err := fn(c)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Debug("Client went away", "path", r.URL.Path)
			}
			s.fail(c, err)
			return
		}
		s.respond(c, rep)
	})
}

// resumeSession returns the session named by the cookie, creating a new one
// when there is none.
func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if ck, err := r.Cookie(brand.CookieSession); err == nil && ck.Value != "" {
		if sess, ok := s.sessions.Get(ck.Value); ok {
			return sess
		}
	}
	sess := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     brand.CookieSession,
		Value:    sess.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

// authenticateRequest verifies credentials carried by the request when the
// session is not authenticated yet. Credentials come from basic auth, or
// from the options on /auth. Requests without credentials pass through.
func (s *Server) authenticateRequest(c *call) error {
	if c.session.IsAuthenticated() {
		return nil
	}
	creds, ok := credentials(c)
	if !ok {
		return nil
	}
	if !s.rateLimiter.Allow("auth:"+c.clientIP, authAttemptsPerWindow, authWindow) {
		s.logger.Warn("Too many login attempts", "ip", c.clientIP, "username", creds.Username)
		return newError(status.TooManyRequests, "Too many login attempts, try again later")
	}

	token, err := s.auth.Authenticate(c.ctx(), c.session, creds, c.clientIP)
	evt := audit.Event{
		Username: creds.Username,
		Session:  c.session.ID(),
		Action:   audit.ActionLogin,
		ClientIP: c.clientIP,
		Status:   status.Success,
	}
	if creds.NewPassword != "" {
		evt.Action = audit.ActionPasswordChange
	}
	if err != nil {
		if evt.Action == audit.ActionLogin {
			evt.Action = audit.ActionLoginFailed
		}
		evt.Status = auth.Status(err)
		s.record(c.ctx(), evt)
		return err
	}
	s.record(c.ctx(), evt)
	c.ssoToken = token
	s.setLoginCookies(c.w, c.session)
	return nil
}

func credentials(c *call) (auth.Credentials, bool) {
	var creds auth.Credentials
	if u, p, ok := c.r.BasicAuth(); ok {
		creds.Username, creds.Password = u, p
	}
	if strings.HasPrefix(c.r.URL.Path, "/auth") {
		opts := c.payload.OptionsMap()
		if creds.Username == "" {
			creds.Username, _ = opts["username"].(string)
		}
		if creds.Password == "" {
			creds.Password, _ = opts["password"].(string)
		}
		creds.NewPassword, _ = opts["new_password"].(string)
	}
	return creds, creds.Username != "" && creds.Password != ""
}

func (s *Server) setLoginCookies(w http.ResponseWriter, sess *session.Session) {
	expires := s.clock.Now().Add(cookieLifetime)
	http.SetCookie(w, &http.Cookie{
		Name:     brand.CookieSession,
		Value:    sess.ID(),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:    brand.CookieUsername,
		Value:   sess.Username(),
		Path:    "/",
		Expires: expires,
	})
}

// fail writes the envelope for err.
func (s *Server) fail(c *call, err error) {
	code, msg := failure(c.printer, err)
	if code >= 500 {
		s.logger.Error("Request failed", "path", c.r.URL.Path, "status", code, "error", err)
	} else {
		s.logger.Debug("Request rejected", "path", c.r.URL.Path, "status", code, "error", err)
	}
	s.respond(c, &reply{Status: code, Message: msg})
}

// respond writes rep. Only the first call per request has an effect.
func (s *Server) respond(c *call, rep *reply) {
	if c.written {
		s.logger.Warn("Response already written", "path", c.r.URL.Path)
		if rep != nil && rep.Body != nil {
			rep.Body.Close()
		}
		return
	}
	c.written = true
	if rep == nil {
		rep = &reply{}
	}
	code := rep.Status
	if code == 0 {
		code = status.Success
	}

	hdr := c.w.Header()
	for k, v := range rep.Header {
		hdr[k] = v
	}
	hdr.Set("X-UMC-Message", encodeMessage(rep.Message))

	if rep.Body != nil {
		defer rep.Body.Close()
		c.w.WriteHeader(status.HTTPCode(code))
		if _, err := io.Copy(c.w, rep.Body); err != nil {
			s.logger.Warn("Streaming module response failed", "path", c.r.URL.Path, "error", err)
		}
		return
	}

	contentType, body := encodeEnvelope(Envelope{Status: code, Message: rep.Message, Result: rep.Result}, c.iframe)
	hdr.Set("Content-Type", contentType)
	hdr.Del("Content-Length")
	c.w.WriteHeader(status.HTTPCode(code))
	c.w.Write(body)
}

// isIframe reports an upload made through a hidden iframe form, flagged by
// an "iframe" query argument or form field.
func isIframe(r *http.Request, p *payload.Payload) bool {
	v := r.URL.Query().Get("iframe")
	if v == "" {
		v, _ = p.Body["iframe"].(string)
	}
	switch v {
	case "", "false", "0":
		return false
	}
	return true
}
