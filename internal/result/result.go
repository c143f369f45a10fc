// Package result defines the canonical success/failure value shape every
// compiled action returns. Single and batch callers always receive the
// same discriminated shape, so clients can pattern-match uniformly.
package result

import (
	"errors"

	apperrors "github.com/specforge/specforge/pkg/errors"
)

// MutationResult is the discriminated union returned by every compiled
// action invocation. Exactly one variant is populated: Data on success,
// the error fields on failure.
type MutationResult struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FieldPath    string         `json:"field_path,omitempty"`
}

// OK builds a success result carrying the entity payload
func OK(data map[string]any) MutationResult {
	return MutationResult{Success: true, Data: data}
}

// Fail builds a failure result from a taxonomy code and message
func Fail(code, message string) MutationResult {
	return MutationResult{Success: false, ErrorCode: code, ErrorMessage: message}
}

// FromError converts a step error into a failure result. Validation
// errors carry their field path; everything else maps through the
// taxonomy, falling back to Unknown.
func FromError(err error) MutationResult {
	r := MutationResult{
		Success:      false,
		ErrorCode:    apperrors.GetErrorCode(err),
		ErrorMessage: err.Error(),
	}
	var v *apperrors.ValidationError
	if errors.As(err, &v) {
		r.FieldPath = v.Field
	}
	return r
}

// BatchItemResult pairs an item's key with its individual outcome
type BatchItemResult struct {
	ItemKey string         `json:"item_key"`
	Result  MutationResult `json:"result"`
}

// BatchOutcome aggregates per-item results of a batch invocation.
// Items are reported in input order; partial success is never hidden.
type BatchOutcome struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// Record appends one item outcome and updates the counters
func (b *BatchOutcome) Record(key string, r MutationResult) {
	b.Attempted++
	if r.Success {
		b.Succeeded++
	} else {
		b.Failed++
	}
	b.Items = append(b.Items, BatchItemResult{ItemKey: key, Result: r})
}
