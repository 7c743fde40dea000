package container

import (
	"github.com/testcontainers/testcontainers-go"
)

// state is the lifecycle variant of a descriptor. A descriptor is pending until
// the orchestrator starts it (managed) or until it is bound to an externally
// started process (lateBound). Accessors switch on the variant instead of
// consulting a mode flag.
type state interface {
	phase() string
}

type pending struct{}

func (pending) phase() string { return "pending" }

type managed struct {
	handle testcontainers.Container
}

func (*managed) phase() string { return "managed" }

type lateBound struct {
	scheme  string
	host    string
	port    int
	started bool
}

func (*lateBound) phase() string { return "late-bound" }
