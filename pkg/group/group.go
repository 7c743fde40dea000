// Package group aggregates the containers a suite declares, directly and
// through a shared configuration, and validates the declarations before
// anything starts.
package group

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"

	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/container"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

var log = logging.Named("ContainerGroup")

type member struct {
	field string
	c     *container.Container
}

// ContainerGroup is the validated set of containers for one suite.
type ContainerGroup struct {
	suite    *Suite
	shared   *SharedConfig
	unshared []member
	sharedM  []member
	app      *member
}

type entry[T any] struct {
	once  sync.Once
	value T
	err   error
}

type sharedGroup struct {
	members []member
}

var (
	suiteCache  sync.Map // *Suite -> *entry[*ContainerGroup]
	sharedCache sync.Map // *SharedConfig -> *entry[*sharedGroup]
)

// Build validates and groups the containers declared for s. The result,
// including a validation error, is computed once per suite; later calls
// return the same value without validating again.
func Build(s *Suite) (*ContainerGroup, error) {
	v, _ := suiteCache.LoadOrStore(s, &entry[*ContainerGroup]{})
	e := v.(*entry[*ContainerGroup])
	e.once.Do(func() {
		e.value, e.err = buildGroup(s)
	})
	return e.value, e.err
}

// ResetForTesting forgets every cached group.
func ResetForTesting() {
	suiteCache.Clear()
	sharedCache.Clear()
}

func buildShared(sc *SharedConfig) (*sharedGroup, error) {
	v, _ := sharedCache.LoadOrStore(sc, &entry[*sharedGroup]{})
	e := v.(*entry[*sharedGroup])
	e.once.Do(func() {
		members, err := discover(sc.ownFields(), sc.String())
		if err != nil {
			e.err = err
			return
		}
		e.value = &sharedGroup{members: members}
		log.Debug("discovered shared containers", "config", sc.Name(), "count", len(members))
	})
	return e.value, e.err
}

// buildGroup is build; replaced in tests.
var buildGroup = build

func build(s *Suite) (*ContainerGroup, error) {
	g := &ContainerGroup{suite: s, shared: s.Shared()}

	seen := map[*container.Container]bool{}
	if g.shared != nil {
		sg, err := buildShared(g.shared)
		if err != nil {
			return nil, err
		}
		g.sharedM = sg.members
		for _, m := range sg.members {
			seen[m.c] = true
		}
	}

	fields, err := s.ownFields()
	if err != nil {
		return nil, err
	}
	own, err := discover(fields, s.String())
	if err != nil {
		return nil, err
	}
	for _, m := range own {
		if seen[m.c] {
			continue
		}
		seen[m.c] = true
		g.unshared = append(g.unshared, m)
	}

	var apps []member
	for _, m := range g.members() {
		if m.c.IsApplication() {
			apps = append(apps, m)
		}
	}
	if len(apps) > 1 {
		names := make([]string, 0, len(apps))
		for _, m := range apps {
			names = append(names, fmt.Sprintf("%s (%s)", m.field, m.c.DisplayName()))
		}
		return nil, errdefs.Configuration("%s declares more than one application container: %s", s, strings.Join(names, ", "))
	}
	if len(apps) == 1 {
		g.app = &apps[0]
	}

	log.Debug("built container group", "suite", s.Name(), "shared", len(g.sharedM), "unshared", len(g.unshared), "application", g.app != nil)
	return g, nil
}

var containerType = reflect.TypeFor[container.Container]()

// discover validates every declared field and returns the containers in
// declaration order with duplicates removed. All offending fields are
// reported together.
func discover(fields []field, owner string) ([]member, error) {
	var (
		result  *multierror.Error
		members []member
		seen    = map[*container.Container]bool{}
	)
	for _, f := range fields {
		c, err := validate(f, owner)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		members = append(members, member{field: f.name, c: c})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, errdefs.WrapConfiguration(err)
	}
	return members, nil
}

func validate(f field, owner string) (*container.Container, error) {
	r, _ := utf8.DecodeRuneInString(f.name)
	if f.name == "" || !unicode.IsUpper(r) {
		return nil, fmt.Errorf("field %q on %s must be exported", f.name, owner)
	}

	c, ok := f.value.(*container.Container)
	switch {
	case ok && c == nil:
		return nil, fmt.Errorf("field %s on %s is a nil container", f.name, owner)
	case ok:
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("field %s on %s: %w", f.name, owner, err)
		}
		return c, nil
	case f.value != nil && reflect.TypeOf(f.value) == containerType:
		return nil, fmt.Errorf("field %s on %s must hold a *container.Container so all suites share one descriptor", f.name, owner)
	default:
		return nil, fmt.Errorf("field %s on %s must be a *container.Container, got %T", f.name, owner, f.value)
	}
}

func (g *ContainerGroup) members() []member {
	all := make([]member, 0, len(g.sharedM)+len(g.unshared))
	all = append(all, g.sharedM...)
	return append(all, g.unshared...)
}

func containers(ms []member) []*container.Container {
	out := make([]*container.Container, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.c)
	}
	return out
}

func (g *ContainerGroup) Suite() *Suite {
	return g.suite
}

// Shared returns the shared configuration, or nil.
func (g *ContainerGroup) Shared() *SharedConfig {
	return g.shared
}

// SharedContainers are declared on the shared configuration.
func (g *ContainerGroup) SharedContainers() []*container.Container {
	return containers(g.sharedM)
}

// Unshared containers are declared on the suite itself or its parents.
func (g *ContainerGroup) Unshared() []*container.Container {
	return containers(g.unshared)
}

// All is the shared containers followed by the unshared ones.
func (g *ContainerGroup) All() []*container.Container {
	return containers(g.members())
}

// App returns the application container, or nil when none is declared.
func (g *ContainerGroup) App() *container.Container {
	if g.app == nil {
		return nil
	}
	return g.app.c
}

// AppField is the name the application container was declared under.
func (g *ContainerGroup) AppField() string {
	if g.app == nil {
		return ""
	}
	return g.app.field
}
