package gateway

import "fmt"

// Machine-readable error codes returned by the completion API.
const (
	CodeInvalidRequest      = "invalid-request"
	CodeTenantSuspended     = "tenant-suspended"
	CodeRateLimitExceeded   = "rate-limit-exceeded"
	CodeProviderUnavailable = "provider-unavailable"
	CodeNoCredentials       = "no-credentials-available"
	CodeUpstreamError       = "upstream-error"
)

// Error is the discriminated error envelope for completion calls.
type Error struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	Reasons           []string `json:"reasons,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps an error code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return 400
	case CodeTenantSuspended:
		return 403
	case CodeRateLimitExceeded:
		return 429
	case CodeProviderUnavailable, CodeNoCredentials:
		return 503
	default:
		return 502
	}
}
