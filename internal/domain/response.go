package domain

import "encoding/json"

// SuccessResponse builds the caller-facing success shape.
func SuccessResponse(requestID, capability, tool string, result any) Response {
	return Response{
		Status:     StatusSuccess,
		RequestID:  requestID,
		Capability: capability,
		Tool:       tool,
		Result:     result,
	}
}

// ErrorResponse wraps a StructuredError into the caller-facing shape.
func ErrorResponse(requestID string, failure StructuredError) Response {
	return Response{
		Status:     StatusError,
		RequestID:  requestID,
		Capability: failure.Capability,
		Tool:       failure.Tool,
		Failure:    &failure,
	}
}

// MarshalJSON renders failures as the StructuredError shape so callers see
// one of the two documented result forms, never a mixture.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		type failure StructuredError
		return json.Marshal(struct {
			failure
			RequestID string `json:"request_id,omitempty"`
		}{
			failure:   failure(*r.Failure),
			RequestID: r.RequestID,
		})
	}
	type success Response
	return json.Marshal(success(r))
}
