package apperr

// Payload is the serialized form of an Error.
type Payload struct {
	Code        string         `json:"code"`
	Kind        Kind           `json:"kind"`
	Message     string         `json:"message"`
	Status      int            `json:"status"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions"`
}

// Result is the uniform envelope a transport returns to its callers.
type Result[T any] struct {
	Success bool     `json:"success"`
	Data    T        `json:"data,omitempty"`
	Error   *Payload `json:"error,omitempty"`
}

// OK wraps a successful value.
func OK[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail wraps a failure.
func Fail[T any](err error) Result[T] {
	return Result[T]{Error: Serialize(err)}
}

// From converts a (value, error) pair into a Result.
func From[T any](data T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return OK(data)
}

// Serialize renders err as a Payload. Untyped errors are reported as
// internal without leaking their text.
func Serialize(err error) *Payload {
	if err == nil {
		return nil
	}
	e, ok := As(err)
	if !ok {
		e = Internal(nil, "unexpected error")
	}
	return &Payload{
		Code:        e.Code(),
		Kind:        e.Kind,
		Message:     e.Message,
		Status:      e.Status(),
		Details:     e.Details,
		Suggestions: e.Suggestions,
	}
}
