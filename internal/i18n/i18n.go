package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages the console ships translations for.
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

type contextKey struct{}

var printerKey = contextKey{}

var german = map[string]string{
	"The authentication has failed":                 "Die Authentifizierung ist fehlgeschlagen",
	"The password has expired and must be changed":  "Das Passwort ist abgelaufen und muss geändert werden",
	"Unauthorized":                                  "Nicht autorisiert",
	"Forbidden":                                     "Verboten",
	"Not found":                                     "Nicht gefunden",
	"The specified locale is not available":         "Die angegebene Sprache ist nicht verfügbar",
	"Unknown or unsupported Content-Type.":          "Unbekannter oder nicht unterstützter Content-Type.",
	"Please provide Content-Length header.":         "Bitte Content-Length-Header angeben.",
	"Invalid JSON document.":                        "Ungültiges JSON-Dokument.",
	"Too many login attempts, try again later":      "Zu viele Anmeldeversuche, bitte später erneut versuchen",
	"Could not connect to module process %s":        "Verbindung zum Modulprozess %s fehlgeschlagen",
	"The file %q is too big (maximum %d KB)":        "Die Datei %q ist zu groß (maximal %d KB)",
	"Not enough free space to store the upload %q":  "Nicht genügend freier Speicherplatz für den Upload %q",
	"Changing the expired password failed: %s":      "Das Ändern des abgelaufenen Passworts ist fehlgeschlagen: %s",
	"Invalid or missing command options":            "Ungültige oder fehlende Optionen",
	"Internal error":                                "Interner Fehler",
	"An option passed to %s has the wrong type: %s": "Eine an %s übergebene Option hat den falschen Typ: %s",
	"One or more options to %s are missing: %s":     "Eine oder mehrere Optionen für %s fehlen: %s",
	"The command has failed: %s":                    "Das Kommando ist fehlgeschlagen: %s",
	"Execution of command '%s' has failed:\n\n%s":   "Die Ausführung des Kommandos '%s' ist fehlgeschlagen:\n\n%s",
	"The module failed to initialize: %s":           "Das Modul konnte nicht initialisiert werden: %s",
	"Locale changed":                                "Sprache geändert",
	"No user preferences available":                 "Keine Benutzereinstellungen verfügbar",
	"Unknown setting":                               "Unbekannte Einstellung",
	"Usage: %s <command> [options]\n":               "Aufruf: %s <Befehl> [Optionen]\n",
}

func init() {
	for key, msg := range german {
		_ = message.SetString(language.German, key, msg)
	}
}

// MatchLanguage returns the best matching language for an Accept-Language value.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	tag, _, _ := matcher.Match(tags...)
	return base(tag)
}

// Supported parses a locale in either BCP 47 ("de-DE") or POSIX
// ("de_DE.UTF-8") form and reports whether a translation exists for it.
func Supported(locale string) (language.Tag, bool) {
	if i := strings.IndexAny(locale, ".@"); i != -1 {
		locale = locale[:i]
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return DefaultLang, false
	}
	matched, _, conf := matcher.Match(tag)
	if conf < language.High {
		return DefaultLang, false
	}
	return base(matched), true
}

// POSIXLocale renders a tag the way worker processes expect it on their
// command line, e.g. "de_DE.UTF-8".
func POSIXLocale(tag language.Tag) string {
	b, _ := tag.Base()
	r, conf := tag.Region()
	if conf != language.Exact {
		return b.String() + ".UTF-8"
	}
	return b.String() + "_" + r.String() + ".UTF-8"
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// WithPrinter returns a new context with the printer injected
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, printerKey, p)
}

// GetPrinter returns the printer from the context, or a default one
func GetPrinter(ctx context.Context) *message.Printer {
	p, ok := ctx.Value(printerKey).(*message.Printer)
	if !ok {
		return message.NewPrinter(DefaultLang)
	}
	return p
}

// base strips the -u-rg extension the matcher adds so tags compare cleanly.
func base(tag language.Tag) language.Tag {
	b, _ := tag.Base()
	r, conf := tag.Region()
	if conf == language.Exact {
		t, err := language.Compose(b, r)
		if err == nil {
			return t
		}
	}
	t, _ := language.Compose(b)
	return t
}

// NewCLIPrinter returns a printer for the locale of the environment
// (LC_ALL, LC_MESSAGES, LANG in that order).
func NewCLIPrinter() *message.Printer {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			if tag, ok := Supported(v); ok {
				return NewPrinter(tag)
			}
			break
		}
	}
	return NewPrinter(DefaultLang)
}
