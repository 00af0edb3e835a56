package core

import "fmt"

// Result is the outcome of a public engine operation. Expected domain
// failures (conditions not met, validation errors, integrity rejections)
// come back as Success=false with a reason; errors are reserved for
// storage faults.
type Result struct {
	Success bool
	Reason  string
	Data    map[string]any
}

func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

func Fail(reason string) Result {
	return Result{Success: false, Reason: reason}
}

func Failf(format string, args ...any) Result {
	return Result{Success: false, Reason: fmt.Sprintf(format, args...)}
}

func FailData(reason string, data map[string]any) Result {
	return Result{Success: false, Reason: reason, Data: data}
}
