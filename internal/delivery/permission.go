package delivery

import (
	"context"
	"fmt"
	"strings"
)

// PermissionState is the process-wide answer to "may we raise alerts"
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionGranted
	PermissionDenied
)

func (s PermissionState) String() string {
	switch s {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ParsePermissionState parses the String form; "default" and "" mean unknown
func ParsePermissionState(s string) (PermissionState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	case "unknown", "default", "":
		return PermissionUnknown, nil
	default:
		return PermissionUnknown, fmt.Errorf("invalid permission state %q", s)
	}
}

// PermissionRequester asks the user whether alerts may be shown
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// RequesterFunc adapts a function to PermissionRequester
type RequesterFunc func(ctx context.Context) (PermissionState, error)

func (f RequesterFunc) RequestPermission(ctx context.Context) (PermissionState, error) {
	return f(ctx)
}

// StaticRequester always answers with the configured state. It stands in for
// the user's standing decision when the hub runs without an interactive prompt.
type StaticRequester struct {
	Answer PermissionState
}

func (r StaticRequester) RequestPermission(ctx context.Context) (PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return PermissionUnknown, err
	}
	return r.Answer, nil
}

// PermissionError reports an alert that could not be raised or a permission
// request that did not complete
type PermissionError struct {
	Op    string
	State PermissionState
	Err   error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s (permission %s): %v", e.Op, e.State, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}
