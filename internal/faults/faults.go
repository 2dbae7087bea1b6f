package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransport      = errors.New("transport error")
	ErrDecode         = errors.New("decode error")
	ErrNotFound       = errors.New("not found")
	ErrOutOfResources = errors.New("out of resources")
	ErrOutOfBounds    = errors.New("out of bounds")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrSink           = errors.New("resource sink rejected update")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker. The marker should be one of the exported
// sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransport
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns a stable label for err suitable for metrics and log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfResources):
		return "out_of_resources"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrInvalidHandle):
		return "invalid_handle"
	case errors.Is(err, ErrSink):
		return "sink"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "queue failure"
	}
	return strings.Join(parts, ": ")
}
