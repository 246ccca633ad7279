package i18n

import (
	"net/http"
)

// LangCookie is set by the login page when the user picks a language.
const LangCookie = "UMCLang"

// Middleware puts a printer for the request's language into the context.
// The UMCLang cookie wins over Accept-Language.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := MatchLanguage(r.Header.Get("Accept-Language"))
		if c, err := r.Cookie(LangCookie); err == nil {
			if picked, ok := Supported(c.Value); ok {
				tag = picked
			}
		}
		w.Header().Set("Content-Language", tag.String())
		next.ServeHTTP(w, r.WithContext(WithPrinter(r.Context(), NewPrinter(tag))))
	})
}
