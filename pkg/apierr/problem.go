package apierr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs),
// extended with the stable `code` string and structured `details` every
// settld error carries (spec §7: "producers surface typed error codes and
// structured details").
type ProblemDetail struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"traceId,omitempty"`
	Code     Code                   `json:"code,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// HTTPStatusForCode maps a stable error code to the transport status per
// spec §7's propagation policy (400 schema, 401/403 auth, 409 conflict,
// 410 lifecycle, 429 throttle, 5xx only for unexpected faults).
func HTTPStatusForCode(code Code) int {
	switch code {
	case SchemaInvalid, UnsupportedSchemaVersion, CanonicalJSONUnsupportedValue:
		return http.StatusBadRequest
	case AuthKeyMissing:
		return http.StatusUnauthorized
	case SignerNotTrusted, SignerKeyNotActive, X402AgentSignerKeyInvalid:
		return http.StatusForbidden
	case OptimisticConcurrencyConflict:
		return http.StatusConflict
	case X402AgentSuspended:
		return http.StatusGone
	case X402AgentThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnprocessableEntity
	}
}

// WriteCodedError writes err as an RFC 7807 response, deriving status from
// its Code via HTTPStatusForCode.
func WriteCodedError(w http.ResponseWriter, r *http.Request, err *CodedError) {
	status := HTTPStatusForCode(err.Code)
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://docs.settld.dev/errors/%s", err.Code),
		Title:    string(err.Code),
		Status:   status,
		Detail:   err.Message,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Code:     err.Code,
		Details:  err.Details,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteInternal writes a 500 response for a fault that never crosses the
// artifact boundary as a typed error. err is logged but never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	problem := &ProblemDetail{
		Type:   "https://docs.settld.dev/errors/internal",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred. Please try again later.",
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(problem)
}
