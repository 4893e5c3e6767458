package magg

import "fmt"

// Result is the envelope every management operation resolves to. A failed
// mount inside an otherwise successful operation lands in Errors while
// Success stays true; a failed operation carries the cause in Message.
// Callers always receive a Result, never a raw error or a panic.
type Result struct {
	Success bool           `json:"is_success"`
	Output  map[string]any `json:"output,omitempty"`
	Message string         `json:"message,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

func okResult(output map[string]any) *Result {
	return &Result{Success: true, Output: output}
}

func okf(format string, args ...any) *Result {
	return &Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failf(format string, args ...any) *Result {
	return &Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func failResult(err error) *Result {
	if err == nil {
		return failf("unknown failure")
	}
	return &Result{Success: false, Message: err.Error()}
}

// warn records a tolerated error without flipping Success.
func (r *Result) warn(format string, args ...any) *Result {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	return r
}

func (r *Result) set(key string, value any) *Result {
	if r.Output == nil {
		r.Output = make(map[string]any)
	}
	r.Output[key] = value
	return r
}
