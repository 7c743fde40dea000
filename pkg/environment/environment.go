// Package environment selects and drives the strategy that provides the
// application under test: containers managed by testcontainers, a hollow
// variant around an already running application, or an externally started
// runtime.
package environment

import (
	"context"

	"github.com/microshed/microshed-testing-go/pkg/group"
)

// Built-in priorities. Higher wins; custom strategies should use values above
// DefaultPriority.
const (
	DefaultPriority        = 0
	PriorityQuarkus        = DefaultPriority - 5
	PriorityHollow         = DefaultPriority - 10
	PriorityManual         = DefaultPriority - 20
	PriorityTestcontainers = DefaultPriority - 30
)

// Environment prepares and starts what a suite needs and reports where the
// application can be reached.
type Environment interface {
	// PreConfigure discovers the suite's containers and mutates them before
	// anything starts. Calling it again for the same suite is harmless.
	PreConfigure(ctx context.Context, s *group.Suite) error
	Start(ctx context.Context) error
	ApplicationURL(ctx context.Context) (string, error)
}

// Availability is implemented by environments that only apply under certain
// configuration. Environments without it are always available.
type Availability interface {
	IsAvailable() bool
}

// Prioritized environments rank by Priority; others rank at DefaultPriority.
type Prioritized interface {
	Priority() int
}

// RESTClientConfigurer lets an environment opt out of configuring the
// process-wide default REST client.
type RESTClientConfigurer interface {
	ConfigureRESTClient() bool
}

func isAvailable(e Environment) bool {
	if a, ok := e.(Availability); ok {
		return a.IsAvailable()
	}
	return true
}

func priorityOf(e Environment) int {
	if p, ok := e.(Prioritized); ok {
		return p.Priority()
	}
	return DefaultPriority
}

// ConfiguresRESTClient reports whether e wants the default REST client set up.
func ConfiguresRESTClient(e Environment) bool {
	if r, ok := e.(RESTClientConfigurer); ok {
		return r.ConfigureRESTClient()
	}
	return true
}
