package environment

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/container"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
	"github.com/microshed/microshed-testing-go/pkg/group"
	"github.com/microshed/microshed-testing-go/pkg/rest"
)

// Hollow drives an application that was started outside the test run. The
// dependency containers still start, on fixed host ports, and the
// application container becomes a late-bound view of the running process.
type Hollow struct {
	*Testcontainers
}

var hollowLog = logging.Named("Hollow")

// portAvailable reports whether nothing listens on port. Replaced in tests.
var portAvailable = func(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func NewHollow() *Hollow {
	t := NewTestcontainers()
	t.log = hollowLog
	t.dockerEnv = false
	t.joinNetwork = joinNetworkHollow
	return &Hollow{Testcontainers: t}
}

// joinNetworkHollow leaves a lone dependency off the shared network so it
// can be reused across runs.
func joinNetworkHollow(cs []*container.Container) bool {
	deps := 0
	for _, c := range cs {
		if !c.IsApplication() {
			deps++
		}
	}
	return deps > 1
}

func (h *Hollow) Priority() int {
	return PriorityHollow
}

// IsAvailable requires a hostname and an HTTP or HTTPS port, and that the
// manually started environment was not requested.
func (h *Hollow) IsAvailable() bool {
	cfg := config.GetConfig()
	if cfg.ManualEnabled {
		return false
	}
	return cfg.Hostname != "" && (cfg.HTTPPort != "" || cfg.HTTPSPort != "")
}

func (h *Hollow) PreConfigure(ctx context.Context, s *group.Suite) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.preConfigureLocked(ctx, s); err != nil {
		return err
	}
	g := h.group
	app := g.App()

	if app != nil && !app.IsLateBound() {
		u, err := runtimeURL()
		if err != nil {
			return err
		}
		app.BindLate(u.Scheme, u.Hostname(), portOf(u))
		app.WithAppContextRoot(contextRoot())
	}

	var aliases []string
	for _, c := range g.All() {
		if !c.IsApplication() {
			aliases = append(aliases, c.NetworkAliases()...)
		}
	}
	if app != nil {
		h.rebindKafka(app, g.All())
		h.sanitizeEnv(app, aliases)
	}

	return h.exposeFixedPorts(g.All())
}

// rebindKafka points an auto-wired application at the broker's external
// listener, since the in-network listener is not reachable from the host.
func (h *Hollow) rebindKafka(app *container.Container, cs []*container.Container) {
	v, ok := app.EnvValue(container.KafkaBootstrapEnv)
	if !ok {
		return
	}
	for _, c := range cs {
		if c.Kind() == container.KindKafka && c.NetworkBootstrapServers() == v {
			external := "localhost:" + strconv.Itoa(container.KafkaPort)
			h.log.Info("translating env var", "key", container.KafkaBootstrapEnv, "from", v, "to", external)
			app.WithEnv(container.KafkaBootstrapEnv, external)
			return
		}
	}
}

// sanitizeEnv rewrites variables on the application that point at a
// dependency's network alias so they point at localhost instead.
func (h *Hollow) sanitizeEnv(app *container.Container, aliases []string) {
	for k, v := range app.Env() {
		for _, alias := range aliases {
			translated, ok := translateHost(v, alias)
			if !ok {
				continue
			}
			h.log.Info("translating env var", "key", k, "from", v, "to", translated)
			app.WithEnv(k, translated)
			break
		}
	}
}

// translateHost replaces the host of value with localhost when it equals
// alias. value is either a URL or a bare host with an optional port.
func translateHost(value, alias string) (string, bool) {
	if alias == "" {
		return "", false
	}
	if u, err := url.Parse(value); err == nil && u.Scheme != "" && u.Host != "" {
		if u.Hostname() != alias {
			return "", false
		}
		idx := strings.Index(value, "://") + len("://")
		prefix, rest := value[:idx], value[idx:]
		if at := strings.Index(rest, "@"); u.User != nil && at >= 0 {
			prefix, rest = prefix+rest[:at+1], rest[at+1:]
		}
		if !strings.HasPrefix(rest, alias) {
			return "", false
		}
		return prefix + "localhost" + rest[len(alias):], true
	}

	u, err := url.Parse("http://" + value)
	if err != nil || u.Hostname() != alias || !strings.HasPrefix(value, alias) {
		return "", false
	}
	return "localhost" + value[len(alias):], true
}

// exposeFixedPorts binds every exposed port to the same host port. Two
// dependencies may not claim one port; the application is exempt because it
// never starts. A reusable container whose port is already taken is assumed
// to be running from an earlier run and keeps its binding.
func (h *Hollow) exposeFixedPorts(cs []*container.Container) error {
	claimed := map[int]string{}
	for _, c := range cs {
		if c.IsApplication() {
			continue
		}
		for _, p := range c.ExposedPorts() {
			if owner, ok := claimed[p]; ok {
				return errdefs.Configuration("cannot expose port %d for %s because another container (%s) is already using it", p, c.DisplayName(), owner)
			}
			if c.IsReusable() && !portAvailable(p) {
				h.log.Debug("not exposing fixed port for reused container", "port", p, "container", c.DisplayName())
				continue
			}
			h.log.Info("exposing fixed port", "port", p, "container", c.DisplayName())
			claimed[p] = c.DisplayName()
			c.AddFixedPort(p, p)
		}
	}
	return nil
}

// startLateBound pushes the application's environment into the running
// runtime, waits for it to become ready and marks it started.
func startLateBound(ctx context.Context, app *container.Container) error {
	if app.IsRunning() {
		return nil
	}

	if env := app.Env(); len(env) > 0 {
		if cs, ok := app.ServerAdapter().(container.ConfigSetter); ok {
			if err := cs.SetConfigProperties(ctx, env); err != nil {
				return errdefs.Start(err, "unable to set config properties on %s", app.DisplayName())
			}
		} else {
			hollowLog.Warn("server adapter cannot set config properties on a running application", "adapter", TypeName(app.ServerAdapter()), "count", len(env))
		}
	}

	base, err := app.BaseURL(ctx)
	if err != nil {
		return err
	}
	if err := rest.WaitForReady(ctx, base+app.ReadinessPath(), app.ReadinessTimeout()); err != nil {
		return err
	}
	return app.MarkStarted()
}

// ApplicationURL is built from the configured host, port and context root.
func (h *Hollow) ApplicationURL(context.Context) (string, error) {
	u, err := runtimeURL()
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(u.String(), "/") + contextRoot(), nil
}

func portOf(u *url.URL) int {
	p, _ := strconv.Atoi(u.Port())
	return p
}

func (h *Hollow) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return "Hollow[" + h.phase.String() + "]"
}
