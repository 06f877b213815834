package doubao

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

// quotaMarker is the phrase upstream puts in the stream once a guest
// credential has used up its conversation allowance.
const quotaMarker = "tourist conversation reach limited"

// ErrFrameTooLarge is returned when the pending stream buffer grows past the
// decoder limit without a frame delimiter.
var ErrFrameTooLarge = errors.New("doubao: sse frame exceeds buffer limit")

// QuotaExceededError reports that the session used for the request is
// exhausted. The service evicts the session before returning it.
type QuotaExceededError struct {
	Session string
}

func (e *QuotaExceededError) Error() string {
	return "doubao: guest conversation limit reached, supply a new session"
}

// HTTPStatus implements the status mapping used by the HTTP layer.
func (e *QuotaExceededError) HTTPStatus() int { return http.StatusInternalServerError }

// UpstreamError is an explicit error returned by the vendor, either as a
// non-2xx HTTP response, a gateway-error event or an old-protocol error code.
type UpstreamError struct {
	// StatusCode is the HTTP status of the upstream response; zero when the
	// error arrived inside a 200 event stream.
	StatusCode int
	Code       int
	Message    string
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("doubao: upstream status %d: %s", e.StatusCode, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("doubao: %s (code: %d)", e.Message, e.Code)
	default:
		return "doubao: " + e.Message
	}
}

// HTTPStatus maps vendor errors to 502 and unexpected local statuses to 500.
func (e *UpstreamError) HTTPStatus() int {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return http.StatusBadGateway
	}
	if e.StatusCode != 0 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

// Unauthorized reports whether upstream rejected the credential itself.
func (e *UpstreamError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsQuotaExceeded reports whether err carries a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}

// SessionNotFoundError reports that no session can serve the request.
type SessionNotFoundError struct {
	ConversationID string
}

func (e *SessionNotFoundError) Error() string {
	if e.ConversationID != "" {
		return "doubao: no session bound to conversation " + e.ConversationID
	}
	return "doubao: no session available, configure the session file or supply a credential"
}

func (e *SessionNotFoundError) HTTPStatus() int { return http.StatusNotFound }

func (e *SessionNotFoundError) Unwrap() error { return session.ErrNotFound }
