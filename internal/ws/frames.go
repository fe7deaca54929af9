package ws

import (
	"encoding/json"

	"cellserve/internal/typeexpr"
)

// Error kinds sent in error frames.
const (
	KindSchemaValidation = "schema_validation"
	KindDeliveryError    = "delivery_error"
	KindRateLimited      = "rate_limited"
	KindHandlerError     = "handler_error"
)

// ErrorFrame is sent to a client when its message could not be handled
// or delivered.
type ErrorFrame struct {
	Type       string               `json:"type"`
	Error      string               `json:"error"`
	Message    string               `json:"message"`
	Code       int                  `json:"code,omitempty"`
	Violations []typeexpr.Violation `json:"violations,omitempty"`
}

func errorFrame(kind, msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: kind, Message: msg}
}

func encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
