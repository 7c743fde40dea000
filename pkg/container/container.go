package container

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

type Kind int

const (
	KindGeneric Kind = iota
	KindKafka
	KindPostgres
)

func (k Kind) String() string {
	switch k {
	case KindKafka:
		return "KafkaContainer"
	case KindPostgres:
		return "PostgresContainer"
	default:
		return "GenericContainer"
	}
}

type runner func(ctx context.Context, req testcontainers.GenericContainerRequest) (testcontainers.Container, error)

var log = logging.Named("Container")

// Container describes one orchestrated service. Descriptors are built by test
// code before the framework runs, mutated while the environment is prepared,
// and then started (or bound to an external process in hollow mode).
type Container struct {
	mu sync.RWMutex

	kind       Kind
	image      string
	dockerfile *testcontainers.FromDockerfile
	cmd        []string
	exposed    []int
	env        map[string]string
	network    *Network
	aliases    []string
	waitFor    wait.Strategy
	reuseName  string
	fixedPorts map[int]int
	app        *application
	db         *database
	run        runner
	err        error

	state state
}

func newContainer(kind Kind) *Container {
	return &Container{
		kind:       kind,
		env:        map[string]string{},
		fixedPorts: map[int]int{},
		run:        genericRunner,
		state:      pending{},
	}
}

// New describes a container started from an image reference.
func New(image string) *Container {
	c := newContainer(KindGeneric)
	c.image = image
	return c
}

// FromDockerfile describes a container whose image is built from contextDir/dockerfile.
func FromDockerfile(contextDir, dockerfile string) *Container {
	c := newContainer(KindGeneric)
	c.dockerfile = &testcontainers.FromDockerfile{
		Context:    contextDir,
		Dockerfile: dockerfile,
	}
	return c
}

func genericRunner(ctx context.Context, req testcontainers.GenericContainerRequest) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx, req)
}

func natPort(p int) nat.Port {
	return nat.Port(strconv.Itoa(p) + "/tcp")
}

// WithExposedPorts appends ports, ignoring duplicates. For an application
// container the primary port stays first.
func (c *Container) WithExposedPorts(ports ...int) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range ports {
		if !slices.Contains(c.exposed, p) {
			c.exposed = append(c.exposed, p)
		}
	}
	c.pinPrimaryLocked()
	return c
}

// SetExposedPorts replaces the exposed ports.
func (c *Container) SetExposedPorts(ports []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exposed = nil
	for _, p := range ports {
		if !slices.Contains(c.exposed, p) {
			c.exposed = append(c.exposed, p)
		}
	}
	c.pinPrimaryLocked()
}

func (c *Container) WithEnv(key, value string) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.env[key] = value
	return c
}

func (c *Container) WithCommand(cmd ...string) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cmd = cmd
	return c
}

func (c *Container) WithNetwork(n *Network) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.network = n
	return c
}

func (c *Container) WithNetworkAliases(aliases ...string) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range aliases {
		if !slices.Contains(c.aliases, a) {
			c.aliases = append(c.aliases, a)
		}
	}
	return c
}

// WaitingFor sets the readiness check used when the container starts.
func (c *Container) WaitingFor(strategy wait.Strategy) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waitFor = strategy
	if c.app != nil {
		c.app.waitSet = true
	}
	return c
}

// WithReuse keeps the container alive across runs under the given name.
// Application containers cannot be reused.
func (c *Container) WithReuse(name string) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app != nil {
		c.err = errdefs.Configuration("container reuse is not supported for %s; use the hollow environment instead", c.displayNameLocked())
		return c
	}
	c.reuseName = name
	return c
}

// AddFixedPort binds containerPort to the same hostPort instead of a random one.
func (c *Container) AddFixedPort(containerPort, hostPort int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fixedPorts[containerPort] = hostPort
}

// Err reports a problem recorded while the descriptor was being built.
func (c *Container) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.err
}

func (c *Container) Kind() Kind {
	return c.kind
}

func (c *Container) Image() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.imageLocked()
}

func (c *Container) imageLocked() string {
	if c.image != "" {
		return c.image
	}
	if c.dockerfile != nil {
		return "Dockerfile:" + c.dockerfile.Dockerfile
	}
	return ""
}

// DisplayName is a short human readable identity, e.g. "GenericContainer[mongo:7]".
func (c *Container) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.displayNameLocked()
}

func (c *Container) displayNameLocked() string {
	if c.app != nil {
		if _, ok := c.state.(*lateBound); ok {
			return "ApplicationContainer[HollowApplicationContainer]"
		}
		return "ApplicationContainer[" + c.imageLocked() + "]"
	}
	return c.kind.String() + "[" + c.imageLocked() + "]"
}

func (c *Container) String() string {
	return c.DisplayName()
}

func (c *Container) ExposedPorts() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.exposed)
}

// Env returns a copy of the configured environment variables.
func (c *Container) Env() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maps.Clone(c.env)
}

func (c *Container) EnvValue(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.env[key]
	return v, ok
}

func (c *Container) Network() *Network {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.network
}

func (c *Container) NetworkAliases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.aliases)
}

func (c *Container) IsReusable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.reuseName != ""
}

func (c *Container) FixedPorts() map[int]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maps.Clone(c.fixedPorts)
}

// Handle returns the underlying testcontainers handle once the container is managed.
func (c *Container) Handle() testcontainers.Container {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.state.(*managed); ok {
		return m.handle
	}
	return nil
}

func (c *Container) IsCreated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch st := c.state.(type) {
	case *managed:
		return st.handle.GetContainerID() != ""
	case *lateBound:
		return true
	default:
		return false
	}
}

func (c *Container) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.isRunningLocked()
}

func (c *Container) isRunningLocked() bool {
	switch st := c.state.(type) {
	case *managed:
		return st.handle.IsRunning()
	case *lateBound:
		return st.started
	default:
		return false
	}
}

// IsHealthy reports the docker health status. Containers without a docker
// healthcheck are healthy while running.
func (c *Container) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch st := c.state.(type) {
	case *managed:
		s, err := st.handle.State(ctx)
		if err != nil || s == nil || !s.Running {
			return false
		}
		return s.Health == nil || s.Health.Status == "healthy"
	case *lateBound:
		return true
	default:
		return false
	}
}

// Host is the address at which the container is reachable from the test process.
func (c *Container) Host(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch st := c.state.(type) {
	case *managed:
		return st.handle.Host(ctx)
	case *lateBound:
		return st.host, nil
	default:
		return "", errdefs.State("%s has not been started", c.displayNameLocked())
	}
}

// MappedPort returns the host port for a container port. Late-bound containers
// are never remapped.
func (c *Container) MappedPort(ctx context.Context, port int) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.mappedPortLocked(ctx, port)
}

func (c *Container) mappedPortLocked(ctx context.Context, port int) (int, error) {
	switch st := c.state.(type) {
	case *managed:
		p, err := st.handle.MappedPort(ctx, natPort(port))
		if err != nil {
			return 0, err
		}
		return p.Int(), nil
	case *lateBound:
		return port, nil
	default:
		return 0, errdefs.State("%s has not been started", c.displayNameLocked())
	}
}

func (c *Container) FirstMappedPort(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.exposed) == 0 {
		return 0, errdefs.State("%s has no exposed ports", c.displayNameLocked())
	}
	return c.mappedPortLocked(ctx, c.exposed[0])
}

// BindLate switches the descriptor to a view of an externally started process.
// The first exposed port becomes port; Start is never delegated to docker.
func (c *Container) BindLate(scheme, host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = &lateBound{scheme: scheme, host: host, port: port}
	if c.app != nil {
		c.app.primaryPort = port
	}
	if !slices.Contains(c.exposed, port) {
		c.exposed = append([]int{port}, c.exposed...)
	}
	c.pinPrimaryLocked()
}

// IsLateBound reports whether the descriptor represents an external process.
func (c *Container) IsLateBound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.state.(*lateBound)
	return ok
}

// MarkStarted records that the external process behind a late-bound
// descriptor is ready.
func (c *Container) MarkStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lb, ok := c.state.(*lateBound)
	if !ok {
		return errdefs.State("%s is not late-bound", c.displayNameLocked())
	}
	lb.started = true
	return nil
}

// Start creates and starts the container and blocks until its readiness
// check passes. Starting a running container is a no-op.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.state.(type) {
	case *lateBound:
		return errdefs.State("%s is bound to an external process and cannot be started", c.displayNameLocked())
	case *managed:
		if st.handle.IsRunning() {
			return nil
		}
		if err := st.handle.Start(ctx); err != nil {
			return errdefs.Start(err, "%s failed to restart", c.displayNameLocked())
		}
		return nil
	}

	if c.app != nil {
		c.configureApplicationLocked()
	}
	if c.err != nil {
		return c.err
	}

	req, err := c.requestLocked(ctx)
	if err != nil {
		return errdefs.Start(err, "unable to prepare %s", c.displayNameLocked())
	}

	handle, err := c.run(ctx, req)
	if handle != nil {
		c.state = &managed{handle: handle}
	}
	if err != nil {
		return errdefs.Start(err, "%s failed to start", c.displayNameLocked())
	}

	c.logPortsLocked(ctx)
	return nil
}

// Terminate stops and removes a managed container.
func (c *Container) Terminate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.state.(*managed)
	if !ok {
		return nil
	}
	if err := m.handle.Terminate(ctx); err != nil {
		return fmt.Errorf("error terminating %s: %w", c.displayNameLocked(), err)
	}
	c.state = pending{}
	return nil
}

func (c *Container) logPortsLocked(ctx context.Context) {
	name := c.displayNameLocked()
	if len(c.exposed) == 0 {
		log.Info("container has no exposed ports", "container", name)
		return
	}
	for _, p := range c.exposed {
		mapped, err := c.mappedPortLocked(ctx, p)
		if err != nil {
			log.Debug("unable to read mapped port", "container", name, "port", p, "error", err)
			continue
		}
		log.Info("exposed port", "container", name, "port", p, "mapped", mapped)
	}
}

func (c *Container) requestLocked(ctx context.Context) (testcontainers.GenericContainerRequest, error) {
	req := testcontainers.ContainerRequest{
		Image:      c.image,
		Cmd:        slices.Clone(c.cmd),
		Env:        maps.Clone(c.env),
		WaitingFor: c.waitFor,
		Name:       c.reuseName,
	}
	if c.dockerfile != nil {
		req.Image = ""
		req.FromDockerfile = *c.dockerfile
	}
	for _, p := range c.exposed {
		req.ExposedPorts = append(req.ExposedPorts, string(natPort(p)))
	}

	if c.network != nil {
		name, err := c.network.ensure(ctx)
		if err != nil {
			return testcontainers.GenericContainerRequest{}, err
		}
		req.Networks = []string{name}
		if len(c.aliases) > 0 {
			req.NetworkAliases = map[string][]string{name: slices.Clone(c.aliases)}
		}
	}

	if len(c.fixedPorts) > 0 {
		bindings := fixedBindings(c.fixedPorts)
		req.HostConfigModifier = func(hc *dockercontainer.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			for p, b := range bindings {
				hc.PortBindings[p] = b
			}
		}
	}

	if c.app != nil {
		req.LogConsumerCfg = &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{newLogConsumer(c.displayNameLocked())},
		}
	}

	return testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Reuse:            c.reuseName != "",
	}, nil
}

func fixedBindings(fixed map[int]int) nat.PortMap {
	ports := make([]int, 0, len(fixed))
	for p := range fixed {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	bindings := nat.PortMap{}
	for _, p := range ports {
		bindings[natPort(p)] = []nat.PortBinding{{HostPort: strconv.Itoa(fixed[p])}}
	}
	return bindings
}
