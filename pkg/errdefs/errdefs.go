// Package errdefs defines the error categories surfaced while preparing and
// starting a test environment. All categories are fatal; callers classify
// them with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks malformed declarations: bad container fields,
	// multiple application containers, port conflicts, bad property strings.
	ErrConfiguration = errors.New("configuration error")
	// ErrResolution marks a failure to select an environment strategy.
	ErrResolution = errors.New("environment resolution error")
	// ErrStart marks a container that never reached its ready state.
	ErrStart = errors.New("runtime start error")
	// ErrState marks a query made in the wrong lifecycle phase.
	ErrState = errors.New("illegal state")
)

func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func Resolution(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResolution, fmt.Sprintf(format, args...))
}

// UnresolvableOverride is returned when an explicitly named strategy cannot be
// used. It matches both ErrResolution and ErrConfiguration.
func UnresolvableOverride(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrResolution, ErrConfiguration, fmt.Sprintf(format, args...))
}

func Start(cause error, format string, args ...any) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrStart, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("%w: %s: %w", ErrStart, fmt.Sprintf(format, args...), cause)
}

func State(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// WrapConfiguration tags an existing (possibly aggregated) error as a configuration error.
func WrapConfiguration(err error) error {
	if err == nil || errors.Is(err, ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}
