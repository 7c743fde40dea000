package group

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

type field struct {
	name  string
	value any
}

// Suite is the set of containers a test package (or a single test) declares.
// Its pointer identity keys every cache in this package.
type Suite struct {
	mu      sync.Mutex
	name    string
	fields  []field
	parents []*Suite
	shared  *SharedConfig
	jwt     bool
}

func NewSuite(name string) *Suite {
	return &Suite{name: name}
}

func (s *Suite) Name() string {
	return s.name
}

func (s *Suite) String() string {
	return "Suite[" + s.name + "]"
}

// Declare registers a container under an exported field name. The value
// must be a non-nil *container.Container; anything else is reported when the
// group is built.
func (s *Suite) Declare(name string, value any) *Suite {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fields = append(s.fields, field{name: name, value: value})
	return s
}

// Extends includes the containers declared on parent, ahead of this suite's own.
func (s *Suite) Extends(parent *Suite) *Suite {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parents = append(s.parents, parent)
	return s
}

// UseShared attaches a shared configuration whose containers are started
// once and reused by every suite that names it.
func (s *Suite) UseShared(sc *SharedConfig) *Suite {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shared = sc
	return s
}

func (s *Suite) Shared() *SharedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shared
}

// RequireJWT marks the suite as issuing JWT authenticated requests.
func (s *Suite) RequireJWT() *Suite {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jwt = true
	return s
}

func (s *Suite) JWTRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.jwt
}

// ownFields returns parent fields first, then this suite's. A suite that
// extends itself, directly or through its parents, is a configuration error.
func (s *Suite) ownFields() ([]field, error) {
	return s.collectFields(nil)
}

func (s *Suite) collectFields(path []*Suite) ([]field, error) {
	if slices.Contains(path, s) {
		names := make([]string, 0, len(path)+1)
		for _, p := range path[slices.Index(path, s):] {
			names = append(names, p.Name())
		}
		names = append(names, s.Name())
		return nil, errdefs.Configuration("%s extends itself: %s", s, strings.Join(names, " -> "))
	}
	path = append(path, s)

	s.mu.Lock()
	parents := append([]*Suite(nil), s.parents...)
	own := append([]field(nil), s.fields...)
	s.mu.Unlock()

	var all []field
	for _, p := range parents {
		fields, err := p.collectFields(path)
		if err != nil {
			return nil, err
		}
		all = append(all, fields...)
	}
	return append(all, own...), nil
}

// SharedConfig declares containers shared across suites.
type SharedConfig struct {
	mu     sync.Mutex
	name   string
	fields []field
	start  func(ctx context.Context) error
}

func NewSharedConfig(name string) *SharedConfig {
	return &SharedConfig{name: name}
}

func (sc *SharedConfig) Name() string {
	return sc.name
}

func (sc *SharedConfig) String() string {
	return "SharedConfig[" + sc.name + "]"
}

func (sc *SharedConfig) Declare(name string, value any) *SharedConfig {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.fields = append(sc.fields, field{name: name, value: value})
	return sc
}

// WithStartProcedure replaces the default parallel start of the shared
// containers with fn, e.g. to start them in a fixed order.
func (sc *SharedConfig) WithStartProcedure(fn func(ctx context.Context) error) *SharedConfig {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.start = fn
	return sc
}

// StartProcedure returns the custom start procedure, or nil.
func (sc *SharedConfig) StartProcedure() func(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.start
}

func (sc *SharedConfig) ownFields() []field {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return append([]field(nil), sc.fields...)
}
