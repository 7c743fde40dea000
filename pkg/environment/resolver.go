package environment

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

var log = logging.Named("Resolver")

// Factory creates a fresh environment instance.
type Factory func() Environment

type registration struct {
	name    string
	factory Factory
}

// Candidate describes one registered environment as seen by the resolver.
type Candidate struct {
	Name      string
	TypeName  string
	Priority  int
	Available bool
}

type resolution struct {
	name string
	env  Environment
}

var (
	registry    []registration
	registryMux sync.RWMutex

	selected   atomic.Pointer[resolution]
	resolveMux sync.Mutex
)

func init() {
	registerBuiltins()
}

func registerBuiltins() {
	registry = []registration{
		{name: "testcontainers", factory: func() Environment { return NewTestcontainers() }},
		{name: "hollow", factory: func() Environment { return NewHollow() }},
		{name: "manual", factory: func() Environment { return NewManuallyStarted() }},
		{name: "quarkus", factory: func() Environment { return NewQuarkus() }},
	}
}

// Register adds a strategy under name. Registering after the first
// resolution has no effect on the selected environment.
func Register(name string, f Factory) {
	registryMux.Lock()
	defer registryMux.Unlock()

	registry = append(registry, registration{name: name, factory: f})
}

// TypeName is the fully qualified Go type name of e, e.g.
// "github.com/microshed/microshed-testing-go/pkg/environment.Hollow".
func TypeName(e any) string {
	t := reflect.TypeOf(e)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func registrations() []registration {
	registryMux.RLock()
	defer registryMux.RUnlock()

	return append([]registration(nil), registry...)
}

// Resolve returns the process-wide environment, selecting it on first use.
// A failed resolution is not remembered.
func Resolve() (Environment, error) {
	if r := selected.Load(); r != nil {
		return r.env, nil
	}

	resolveMux.Lock()
	defer resolveMux.Unlock()

	if r := selected.Load(); r != nil {
		return r.env, nil
	}
	r, err := selectEnvironment()
	if err != nil {
		return nil, err
	}
	selected.Store(r)
	log.Info("selected application environment", "name", r.name, "type", TypeName(r.env))
	return r.env, nil
}

// IsSelected reports whether the resolved environment was registered under
// name or has the given fully qualified type name.
func IsSelected(name string) bool {
	env, err := Resolve()
	if err != nil {
		return false
	}
	r := selected.Load()
	return r.name == name || TypeName(env) == name
}

// ResetForTesting forgets the selected environment and any custom registrations.
func ResetForTesting() {
	resolveMux.Lock()
	defer resolveMux.Unlock()
	registryMux.Lock()
	defer registryMux.Unlock()

	selected.Store(nil)
	registerBuiltins()
}

func selectEnvironment() (*resolution, error) {
	regs := registrations()

	if override := strings.TrimSpace(config.Lookup(config.EnvClass)); override != "" {
		return selectOverride(override, regs)
	}

	type ranked struct {
		resolution
		typeName string
		priority int
	}
	var available []ranked
	for _, reg := range regs {
		env := reg.factory()
		if env == nil {
			log.Warn("environment factory returned nil", "name", reg.name)
			continue
		}
		if !isAvailable(env) {
			log.Debug("environment not available", "name", reg.name)
			continue
		}
		available = append(available, ranked{
			resolution: resolution{name: reg.name, env: env},
			typeName:   TypeName(env),
			priority:   priorityOf(env),
		})
		log.Debug("environment available", "name", reg.name, "priority", priorityOf(env))
	}
	if len(available) == 0 {
		return nil, errdefs.Resolution("no available application environment among %d registered", len(regs))
	}

	sort.SliceStable(available, func(i, j int) bool {
		if available[i].priority != available[j].priority {
			return available[i].priority > available[j].priority
		}
		return available[i].typeName < available[j].typeName
	})
	winner := available[0].resolution
	return &winner, nil
}

func selectOverride(override string, regs []registration) (*resolution, error) {
	for _, reg := range regs {
		if reg.name != override {
			continue
		}
		env := reg.factory()
		if env == nil {
			return nil, errdefs.UnresolvableOverride("%s=%s does not provide an environment", config.EnvClass, override)
		}
		log.Info("using environment from override", "key", config.EnvClass, "name", override)
		return &resolution{name: reg.name, env: env}, nil
	}

	// Fall back to matching on the type name, which needs an instance.
	for _, reg := range regs {
		env := reg.factory()
		if env != nil && TypeName(env) == override {
			log.Info("using environment from override", "key", config.EnvClass, "type", override)
			return &resolution{name: reg.name, env: env}, nil
		}
	}
	return nil, errdefs.UnresolvableOverride("%s=%s does not name a registered environment", config.EnvClass, override)
}

// Candidates lists every registered environment in selection order.
func Candidates() []Candidate {
	var out []Candidate
	for _, reg := range registrations() {
		env := reg.factory()
		if env == nil {
			continue
		}
		out = append(out, Candidate{
			Name:      reg.name,
			TypeName:  TypeName(env),
			Priority:  priorityOf(env),
			Available: isAvailable(env),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].TypeName < out[j].TypeName
	})
	return out
}
