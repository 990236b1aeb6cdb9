// Package fault defines the error classes shared by the data plane.
//
// Only configuration errors are ever returned from construction. Every other
// class is recovered locally by the stage that hits it: the offending unit of
// work is freed and counted as a drop, and upper protocols (ARP retry, TCP
// retransmit) are expected to mask the loss.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted reports a full queue or an empty memory pool.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrHardwareBusy reports a DMA descriptor that is still owned by the
	// controller.
	ErrHardwareBusy = errors.New("hardware busy")
	// ErrUnroutable reports a frame the router decided to discard.
	ErrUnroutable = errors.New("unroutable frame")
	// ErrConfiguration is the class of every *ConfigError.
	ErrConfiguration = errors.New("configuration error")
)

// ConfigError describes a malformed static topology. It is fatal at
// initialization and never produced at run time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Configf builds a *ConfigError for field.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Reason maps an error onto the short drop-reason label used by counters
// and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrHardwareBusy):
		return "hardware_busy"
	case errors.Is(err, ErrUnroutable):
		return "unroutable"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	}
	return "rejected"
}
