package api

import (
	"net/http"
	"net/url"

	"grimm.is/umc/internal/audit"
	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/status"
)

// handleAuth answers credential submissions. The lifecycle already verified
// the credentials; an unauthenticated session here means none were given.
func (s *Server) handleAuth(c *call) (*reply, error) {
	if err := auth.RequireAuthenticated(c.session); err != nil {
		return nil, err
	}
	return &reply{Result: map[string]any{
		"username": c.session.Username(),
		"sso":      c.ssoToken,
	}}, nil
}

// handleSSO redeems a login token and redirects to the console. Unknown
// tokens redirect as well, without cookies.
func (s *Server) handleSSO(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("loginToken")
	ip := clientIP(r)

	sess, ok, err := s.auth.RedeemSSO(r.Context(), token, ip)
	if err != nil {
		s.logger.Error("SSO redemption failed", "ip", ip, "error", err)
	}
	if ok {
		s.setLoginCookies(w, sess)
		s.record(r.Context(), audit.Event{
			Username: sess.Username(),
			Session:  sess.ID(),
			Action:   audit.ActionSSO,
			ClientIP: ip,
			Status:   status.Success,
		})
	}

	for _, k := range []string{"loginToken", "username", "password"} {
		query.Del(k)
	}
	target := brand.ConsolePath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	s.logger.Info("Redirecting after SSO", "target", target, "redeemed", ok)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleLogout destroys the session, which also kills its module
// processes, and redirects to the console or a local ?location=.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(brand.CookieSession); err == nil && ck.Value != "" {
		if sess, ok := s.sessions.Lookup(ck.Value); ok {
			s.logger.Audit("logout", "session", map[string]any{"username": sess.Username(), "ip": clientIP(r)})
			s.record(r.Context(), audit.Event{
				Username: sess.Username(),
				Session:  sess.ID(),
				Action:   audit.ActionLogout,
				ClientIP: clientIP(r),
				Status:   status.Success,
			})
		}
		s.sessions.Expire(ck.Value)
	}
	for _, name := range []string{brand.CookieSession, brand.CookieUsername} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
	location, _ := url.QueryUnescape(r.URL.Query().Get("location"))
	http.Redirect(w, r, redirectTarget(location, brand.ConsolePath), http.StatusSeeOther)
}
