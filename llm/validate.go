package llm

import "fmt"

// NewChatRequest validates and constructs a ChatRequest, applying the
// defaults described for CompletionRequest: temperature 0.7, max_tokens
// 4096. Validation failure returns an *Error with code InvalidRequest.
func NewChatRequest(model string, messages []Message) (*ChatRequest, error) {
	req := &ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the invariants required of a CompletionRequest: a
// non-empty model id, a non-empty message list whose first message is
// system or user, and in-range sampling parameters.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return invalidRequest("model is required")
	}
	if len(r.Messages) == 0 {
		return invalidRequest("messages must be non-empty")
	}
	first := r.Messages[0].Role
	if first != RoleSystem && first != RoleUser {
		return invalidRequest(fmt.Sprintf("first message must be system or user, got %q", first))
	}
	if r.Temperature < 0.0 || r.Temperature > 2.0 {
		return invalidRequest(fmt.Sprintf("temperature %.2f out of range [0.0, 2.0]", r.Temperature))
	}
	if r.TopP != 0 && (r.TopP < 0.0 || r.TopP > 1.0) {
		return invalidRequest(fmt.Sprintf("top_p %.2f out of range [0.0, 1.0]", r.TopP))
	}
	if r.MaxTokens < 0 {
		return invalidRequest("max_tokens must be >= 1")
	}
	return nil
}

func invalidRequest(msg string) *Error {
	return NewErrorCode(ErrInvalidRequest, msg)
}

// NewErrorCode is a small convenience wrapper around types.NewError kept in
// this package so callers don't need to import types directly for the
// common case of constructing a Gateway error by code.
func NewErrorCode(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// WithModel returns a copy of the request with Model replaced. Requests are
// value objects: every With* mutator returns a new copy rather than
// mutating the receiver, so middleware can annotate requests without
// side-effects on the caller's original.
func (r ChatRequest) WithModel(model string) ChatRequest {
	r.Model = model
	return r
}

// WithTemperature returns a copy of the request with Temperature replaced.
func (r ChatRequest) WithTemperature(t float32) ChatRequest {
	r.Temperature = t
	return r
}

// WithMaxTokens returns a copy of the request with MaxTokens replaced.
func (r ChatRequest) WithMaxTokens(n int) ChatRequest {
	r.MaxTokens = n
	return r
}

// WithMetadata returns a copy of the request with a metadata key set. The
// underlying map is copied so the original request's map is untouched.
func (r ChatRequest) WithMetadata(key, value string) ChatRequest {
	cp := make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		cp[k] = v
	}
	cp[key] = value
	r.Metadata = cp
	return r
}
