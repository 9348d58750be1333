package transport

import "net/http"

// ClassifyHTTPStatus maps a non-2xx push service status to an ErrorKind.
// Server errors are Unknown; Transient is reserved for requests that never
// got a response.
func ClassifyHTTPStatus(code int) ErrorKind {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return KindExpired
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindUnknown
	}
}
