package environment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/container"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
	"github.com/microshed/microshed-testing-go/pkg/group"
	"github.com/microshed/microshed-testing-go/pkg/jwt"
)

// DefaultStartWorkers bounds how many containers start at once.
const DefaultStartWorkers = 8

type phase int

const (
	unconfigured phase = iota
	preConfigured
	started
)

func (p phase) String() string {
	switch p {
	case preConfigured:
		return "PRE_CONFIGURED"
	case started:
		return "STARTED"
	default:
		return "UNCONFIGURED"
	}
}

// Testcontainers starts every declared container with testcontainers-go.
type Testcontainers struct {
	mu    sync.Mutex
	log   hclog.Logger
	group *group.ContainerGroup
	phase phase

	// Workers bounds parallel container start.
	Workers int

	// startContainer starts one container; replaced in tests.
	startContainer func(ctx context.Context, c *container.Container) error
	// joinNetwork reports whether containers should be put on one network
	// when none of them has one.
	joinNetwork func(cs []*container.Container) bool
	dockerEnv   bool
}

func NewTestcontainers() *Testcontainers {
	t := &Testcontainers{
		log:         logging.Named("Testcontainers"),
		Workers:     DefaultStartWorkers,
		joinNetwork: func([]*container.Container) bool { return true },
		dockerEnv:   true,
	}
	t.startContainer = startContainer
	return t
}

func startContainer(ctx context.Context, c *container.Container) error {
	if c.IsLateBound() {
		return startLateBound(ctx, c)
	}
	return c.Start(ctx)
}

func (t *Testcontainers) Priority() int {
	return PriorityTestcontainers
}

func (t *Testcontainers) IsAvailable() bool {
	return true
}

// Group returns the group of the suite configured last.
func (t *Testcontainers) Group() *group.ContainerGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.group
}

// PreConfigure discovers the suite's containers, puts each group on one
// network unless the suite chose networks itself, auto-wires the application
// and injects JWT settings when needed.
func (t *Testcontainers) PreConfigure(ctx context.Context, s *group.Suite) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.preConfigureLocked(ctx, s)
}

func (t *Testcontainers) preConfigureLocked(_ context.Context, s *group.Suite) error {
	g, err := group.Build(s)
	if err != nil {
		return err
	}
	t.group = g

	if g.Shared() != nil {
		t.assignNetwork(g.SharedContainers(), g.Shared().String())
	}
	t.assignNetwork(g.Unshared(), s.String())

	if app := g.App(); app != nil {
		app.ApplyRESTClientURLs(t.dockerEnv)
		if aw, ok := app.ServerAdapter().(container.AutoWirer); ok {
			aw.AutoWire(app, g.All())
		}
		if g.Shared() != nil || s.JWTRequired() {
			t.injectJWT(app)
		}
	}

	t.phase = preConfigured
	return nil
}

func (t *Testcontainers) assignNetwork(cs []*container.Container, owner string) {
	if len(cs) == 0 {
		return
	}
	for _, c := range cs {
		if c.Network() != nil {
			return
		}
	}
	if !t.joinNetwork(cs) {
		t.log.Debug("not putting containers on a shared network", "owner", owner)
		return
	}
	t.log.Debug("no networks explicitly defined, using shared network", "owner", owner)
	shared := container.SharedNetwork()
	for _, c := range cs {
		c.WithNetwork(shared)
	}
}

func (t *Testcontainers) injectJWT(app *container.Container) {
	if app.IsRunning() {
		return
	}
	if _, ok := app.EnvValue(jwt.PublicKeyEnv); ok {
		return
	}
	if _, ok := app.EnvValue(jwt.IssuerEnv); ok {
		return
	}
	key, err := jwt.PublicKey()
	if err != nil {
		t.log.Warn("unable to generate JWT key pair", "error", err)
		return
	}
	app.WithEnv(jwt.PublicKeyEnv, key)
	app.WithEnv(jwt.IssuerEnv, jwt.DefaultIssuer)
	t.log.Debug("using default generated JWT settings", "container", app.DisplayName())
}

// Start brings up the shared containers, through the shared configuration's
// own procedure if it has one, then the suite's containers. Containers that
// are already running are skipped. A container that never becomes ready fails
// Start once its timeout expires; the others are left running.
func (t *Testcontainers) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.startLocked(ctx)
}

func (t *Testcontainers) startLocked(ctx context.Context) error {
	if t.phase == unconfigured || t.group == nil {
		return errdefs.State("Start called before PreConfigure")
	}
	g := t.group
	begin := time.Now()

	var toStart []*container.Container
	if sc := g.Shared(); sc != nil {
		if proc := sc.StartProcedure(); proc != nil {
			t.log.Debug("shared configuration implements a manual start procedure", "config", sc.Name())
			if err := proc(ctx); err != nil {
				return errdefs.Start(err, "start procedure of %s failed", sc)
			}
		} else {
			toStart = append(toStart, g.SharedContainers()...)
		}
	}
	toStart = append(toStart, g.Unshared()...)

	pending := toStart[:0:0]
	for _, c := range toStart {
		if !c.IsRunning() {
			pending = append(pending, c)
		}
	}

	if len(pending) > 0 {
		names := make([]string, 0, len(pending))
		for _, c := range pending {
			names = append(names, c.DisplayName())
		}
		t.log.Info("starting containers in parallel", "suite", g.Suite().Name(), "containers", strings.Join(names, ", "))
		if err := t.startAll(ctx, pending); err != nil {
			return err
		}
	}
	t.log.Info("all containers started", "elapsed", time.Since(begin).Round(time.Millisecond))

	t.publishKafka(ctx, g.All())
	t.publishDatasource(ctx, g.All())
	t.phase = started
	return nil
}

func (t *Testcontainers) startAll(ctx context.Context, cs []*container.Container) error {
	workers := t.Workers
	if workers <= 0 {
		workers = DefaultStartWorkers
	}

	var (
		eg     errgroup.Group
		errMux sync.Mutex
		result *multierror.Error
	)
	eg.SetLimit(workers)
	for _, c := range cs {
		eg.Go(func() error {
			if err := t.startContainer(ctx, c); err != nil {
				errMux.Lock()
				result = multierror.Append(result, err)
				errMux.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := result.ErrorOrNil(); err != nil {
		return errdefs.Start(err, "%d of %d containers failed to start", len(result.Errors), len(cs))
	}
	return nil
}

func (t *Testcontainers) publishKafka(ctx context.Context, cs []*container.Container) {
	var brokers []*container.Container
	for _, c := range cs {
		if c.Kind() == container.KindKafka {
			brokers = append(brokers, c)
		}
	}
	switch len(brokers) {
	case 0:
		t.log.Debug("no Kafka containers found in configuration")
	case 1:
		servers, err := brokers[0].BootstrapServers(ctx)
		if err != nil {
			t.log.Warn("unable to set kafka bootstrap servers", "error", err)
			return
		}
		config.SetKafkaBootstrapServers(servers)
		t.log.Debug("discovered Kafka container", "bootstrap.servers", servers)
	default:
		t.log.Info("located multiple Kafka containers, unable to auto configure kafka clients")
	}
}

func (t *Testcontainers) publishDatasource(ctx context.Context, cs []*container.Container) {
	var dbs []*container.Container
	for _, c := range cs {
		if c.Kind() == container.KindPostgres {
			dbs = append(dbs, c)
		}
	}
	switch len(dbs) {
	case 0:
		return
	case 1:
		url, err := dbs[0].ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.log.Warn("unable to set datasource url", "error", err)
			return
		}
		user, password := dbs[0].Credentials()
		config.SetDatasource(url, user, password)
		t.log.Info("set datasource url", "url", url)
	default:
		t.log.Info("located multiple database containers, unable to auto configure datasource properties")
	}
}

// ApplicationURL is the URL of the running application container.
func (t *Testcontainers) ApplicationURL(ctx context.Context) (string, error) {
	t.mu.Lock()
	g := t.group
	t.mu.Unlock()

	if g == nil {
		return "", errdefs.State("ApplicationURL called before PreConfigure")
	}
	app := g.App()
	if app == nil {
		msg := g.Suite().String()
		if g.Shared() != nil {
			msg += " or " + g.Shared().String()
		}
		return "", errdefs.Configuration("no application container was declared on %s", msg)
	}
	return app.ApplicationURL(ctx)
}

func (t *Testcontainers) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Testcontainers[%s]", t.phase)
}
