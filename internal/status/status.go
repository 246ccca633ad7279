// Package status defines the numeric status codes carried in response
// envelopes. Codes below 600 double as HTTP status codes.
package status

import "net/http"

const (
	Success         = 200
	SuccessMessage  = 204
	SuccessPartial  = 206
	SuccessShutdown = 250

	BadRequest                  = 400
	BadRequestUnauth            = 401
	BadRequestForbidden         = 403
	BadRequestNotFound          = 404
	BadRequestInvalidArgs       = 406
	BadRequestInvalidOpts       = 407
	BadRequestAuthFailed        = 411
	BadRequestPasswordExpired   = 413
	BadRequestUnavailableLocale = 414
	UnsupportedMediaType        = 415
	TooManyRequests             = 429

	ServerError             = 500
	ServerErrorModuleDied   = 510
	ServerErrorModuleFailed = 511

	ModuleError              = 590
	ModuleErrorCommandFailed = 591
	ModuleErrorInitFailed    = 592
)

var descriptions = map[int]string{
	Success:                     "OK, operation successful",
	SuccessMessage:              "OK, containing report message",
	SuccessPartial:              "OK, partial response",
	SuccessShutdown:             "OK, operation successful ask for shutdown of connection",
	BadRequest:                  "Bad request",
	BadRequestUnauth:            "Unauthorized",
	BadRequestForbidden:         "Forbidden",
	BadRequestNotFound:          "Not found",
	BadRequestInvalidArgs:       "Invalid command arguments",
	BadRequestInvalidOpts:       "Invalid or missing command options",
	BadRequestAuthFailed:        "The authentication has failed",
	BadRequestPasswordExpired:   "The password has expired and must be changed",
	BadRequestUnavailableLocale: "The specified locale is not available",
	UnsupportedMediaType:        "Unknown or unsupported Content-Type",
	TooManyRequests:             "Too many requests",
	ServerError:                 "Internal error",
	ServerErrorModuleDied:       "Module process died unexpectedly",
	ServerErrorModuleFailed:     "Connection to module process failed",
	ModuleError:                 "An error occurred during command processing",
	ModuleErrorCommandFailed:    "The execution of a command caused a fatal error",
	ModuleErrorInitFailed:       "The initialization of the module caused a fatal error",
}

// Description returns the human readable description of a status code.
func Description(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Unknown status"
}

// HTTPCode maps an envelope status onto the HTTP status line. Module level
// codes above 599 cannot be sent as HTTP statuses and collapse to 500.
func HTTPCode(code int) int {
	if code < 100 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}

// IsSuccess reports whether code is in the 2xx range.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
