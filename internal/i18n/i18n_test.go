package i18n

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English},
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestSupported(t *testing.T) {
	tag, ok := Supported("de_DE.UTF-8")
	assert.True(t, ok)
	b, _ := tag.Base()
	assert.Equal(t, "de", b.String())

	_, ok = Supported("en-US")
	assert.True(t, ok)

	_, ok = Supported("xx_YY")
	assert.False(t, ok)

	_, ok = Supported("ja")
	assert.False(t, ok)
}

func TestPOSIXLocale(t *testing.T) {
	assert.Equal(t, "de_DE.UTF-8", POSIXLocale(language.MustParse("de-DE")))
	assert.Equal(t, "en.UTF-8", POSIXLocale(language.English))
}

func TestMiddlewareTranslates(t *testing.T) {
	var got string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrinter(r.Context()).Sprintf("Forbidden")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "de")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "Verboten", got)
}

func TestMiddlewareLanguageCookie(t *testing.T) {
	var got string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrinter(r.Context()).Sprintf("Forbidden")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "en")
	req.AddCookie(&http.Cookie{Name: LangCookie, Value: "de_DE.UTF-8"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "Verboten", got)
	assert.Contains(t, rr.Header().Get("Content-Language"), "de")

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "de")
	req.AddCookie(&http.Cookie{Name: LangCookie, Value: "xx"})
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "Verboten", got, "unsupported cookie falls back to the header")
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "Nicht gefunden", NewCLIPrinter().Sprintf("Not found"))

	t.Setenv("LC_ALL", "C")
	assert.Equal(t, "Not found", NewCLIPrinter().Sprintf("Not found"))
}
