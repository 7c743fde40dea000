package container

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

// HealthReadinessPath is the MicroProfile Health readiness endpoint.
const HealthReadinessPath = "/health/ready"

type application struct {
	adapter       ServerAdapter
	primaryPort   int
	contextRoot   string
	readinessPath string
	timeout       time.Duration
	waitSet       bool
	restClients   map[string]string
	imageErr      error
}

var envNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func newApplication(image, dockerfile string) *Container {
	c := newContainer(KindGeneric)
	c.image = image

	adapter, ok := resolveAdapter()
	if !ok {
		adapter = newDefaultAdapter(image, dockerfile)
	}
	log.Info("using server adapter", "adapter", fmt.Sprintf("%T", adapter))

	c.app = &application{
		adapter:     adapter,
		contextRoot: "/",
		restClients: map[string]string{},
	}
	return c
}

// NewApplication describes the application under test started from an image.
func NewApplication(image string) *Container {
	return newApplication(image, "")
}

// NewApplicationFromDockerfile builds the application image from dockerfile,
// using the current directory as the build context.
func NewApplicationFromDockerfile(dockerfile string) *Container {
	c := newApplication("", dockerfile)
	if _, err := os.Stat(dockerfile); err != nil {
		c.app.imageErr = errdefs.Configuration("dockerfile did not exist at %s", dockerfile)
	}
	c.dockerfile = &testcontainers.FromDockerfile{
		Context:    ".",
		Dockerfile: dockerfile,
	}
	log.Info("using dockerfile", "path", dockerfile)
	return c
}

// DiscoverApplication looks for ./Dockerfile, then src/main/docker/Dockerfile,
// and finally asks the server adapter to build an image around a .war found
// in build/ or target/. Discovery failures surface when the container starts.
func DiscoverApplication() *Container {
	for _, candidate := range []string{
		"Dockerfile",
		filepath.Join("src", "main", "docker", "Dockerfile"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return NewApplicationFromDockerfile(candidate)
		}
	}

	c := newApplication("", "")
	builder, ok := c.app.adapter.(ImageBuilder)
	if !ok {
		wd, _ := os.Getwd()
		c.app.imageErr = errdefs.Configuration("unable to resolve docker image for application: no Dockerfile in %s or %s and %T cannot build a default image",
			filepath.Join(wd, "Dockerfile"), filepath.Join(wd, "src", "main", "docker", "Dockerfile"), c.app.adapter)
		return c
	}

	appFile, err := findAppFile(".")
	if err != nil {
		c.app.imageErr = err
		return c
	}
	df, err := builder.DefaultImage(appFile)
	if err != nil {
		c.app.imageErr = errdefs.Start(err, "unable to build default image for %s", appFile)
		return c
	}
	c.dockerfile = &df
	return c
}

func (c *Container) IsApplication() bool {
	return c.app != nil
}

// ServerAdapter returns the runtime adapter of an application container.
func (c *Container) ServerAdapter() ServerAdapter {
	if c.app == nil {
		return nil
	}
	return c.app.adapter
}

// WithServerAdapter replaces the resolved runtime adapter.
func (c *Container) WithServerAdapter(a ServerAdapter) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app != nil {
		c.app.adapter = a
	}
	return c
}

// WithHTTPPort sets the port used to build the application URL and to check
// readiness. It stays the first exposed port.
func (c *Container) WithHTTPPort(port int) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil {
		c.err = errdefs.Configuration("%s is not an application container", c.displayNameLocked())
		return c
	}
	c.app.primaryPort = port
	if !slices.Contains(c.exposed, port) {
		c.exposed = append(c.exposed, port)
	}
	c.pinPrimaryLocked()
	return c
}

func (c *Container) pinPrimaryLocked() {
	if c.app == nil || c.app.primaryPort == 0 {
		return
	}
	primary := c.app.primaryPort
	rest := slices.DeleteFunc(slices.Clone(c.exposed), func(p int) bool { return p == primary })
	c.exposed = append([]int{primary}, rest...)
}

// WithAppContextRoot sets the path appended to the base URL, e.g. "/foo".
func (c *Container) WithAppContextRoot(root string) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app != nil {
		c.app.contextRoot = buildPath(root)
	}
	return c
}

func (c *Container) AppContextRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.app == nil {
		return ""
	}
	return c.app.contextRoot
}

// WithReadinessPath polls path on the primary port until it answers 200.
// A zero timeout uses the adapter's default start timeout.
func (c *Container) WithReadinessPath(path string, timeout time.Duration) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil {
		c.waitFor = wait.ForHTTP(buildPath(path)).WithStartupTimeout(timeout)
		return c
	}
	c.app.readinessPath = buildPath(path)
	c.app.timeout = timeout
	return c
}

// ReadinessPath is the effective readiness endpoint: the explicit path, else
// the adapter's, else the context root.
func (c *Container) ReadinessPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.readinessPathLocked()
}

func (c *Container) readinessPathLocked() string {
	if c.app == nil {
		return ""
	}
	if c.app.readinessPath != "" {
		return c.app.readinessPath
	}
	if p := c.app.adapter.ReadinessPath(); p != "" {
		return buildPath(p)
	}
	return c.app.contextRoot
}

func (c *Container) ReadinessTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.app == nil {
		return 0
	}
	if c.app.timeout > 0 {
		return c.app.timeout
	}
	return c.app.adapter.DefaultStartTimeout()
}

// WithRESTClientURL records the base URL a MicroProfile REST client in the
// application should use. The variable name depends on whether the
// application runs inside docker, so it is applied by the environment.
func (c *Container) WithRESTClientURL(configKey, uri string) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	if configKey == "" || uri == "" {
		c.err = errdefs.Configuration("REST client config key and URI must be non-empty")
		return c
	}
	if _, err := url.Parse(uri); err != nil {
		c.err = errdefs.Configuration("invalid REST client URI %q: %v", uri, err)
		return c
	}
	if c.app != nil {
		c.app.restClients[configKey] = uri
	}
	return c
}

// ApplyRESTClientURLs writes the recorded REST client URLs as environment
// variables. dockerStyle follows the MicroProfile Config environment mapping.
func (c *Container) ApplyRESTClientURLs(dockerStyle bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil {
		return
	}
	for _, key := range slices.Sorted(maps.Keys(c.app.restClients)) {
		c.env[RESTClientEnvName(key, dockerStyle)] = c.app.restClients[key]
	}
}

// RESTClientEnvName maps a REST client config key to the variable that carries its URL.
func RESTClientEnvName(configKey string, dockerStyle bool) string {
	if dockerStyle {
		return envNameSanitizer.ReplaceAllString(configKey, "_") + "_mp_rest_url"
	}
	return configKey + "/mp-rest/url"
}

// configureApplicationLocked fills in defaults right before the first start.
func (c *Container) configureApplicationLocked() {
	if c.app.imageErr != nil && c.err == nil {
		c.err = c.app.imageErr
	}
	if len(c.exposed) == 0 {
		if p := c.app.adapter.DefaultHTTPPort(); p > 0 {
			c.exposed = append(c.exposed, p)
		}
	}
	if c.app.waitSet {
		return
	}

	timeout := c.app.timeout
	if timeout <= 0 {
		timeout = c.app.adapter.DefaultStartTimeout()
	}
	strategy := wait.ForHTTP(c.readinessPathLocked()).WithStartupTimeout(timeout)
	if len(c.exposed) > 0 {
		strategy = strategy.WithPort(natPort(c.exposed[0]))
	}
	c.waitFor = strategy
}

// BaseURL is scheme://host:port of the application.
func (c *Container) BaseURL(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.baseURLLocked(ctx)
}

func (c *Container) baseURLLocked(ctx context.Context) (string, error) {
	switch st := c.state.(type) {
	case *lateBound:
		return fmt.Sprintf("%s://%s:%d", st.scheme, st.host, st.port), nil
	case *managed:
		if st.handle.GetContainerID() == "" || !st.handle.IsRunning() {
			return "", errdefs.State("container must be running to determine hostname and port")
		}
		host, err := st.handle.Host(ctx)
		if err != nil {
			return "", err
		}
		if len(c.exposed) == 0 {
			return "", errdefs.State("%s has no exposed ports", c.displayNameLocked())
		}
		port, err := c.mappedPortLocked(ctx, c.exposed[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("http://%s:%d", host, port), nil
	default:
		return "", errdefs.State("container must be running to determine hostname and port")
	}
}

// ApplicationURL is the base URL followed by the context root.
func (c *Container) ApplicationURL(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.app == nil {
		return "", errdefs.State("%s is not an application container", c.displayNameLocked())
	}
	base, err := c.baseURLLocked(ctx)
	if err != nil {
		return "", err
	}
	return base + c.app.contextRoot, nil
}

// buildPath joins parts into an absolute path without doubled slashes.
func buildPath(first string, more ...string) string {
	result := first
	if !strings.HasPrefix(result, "/") {
		result = "/" + result
	}
	for _, part := range more {
		switch {
		case strings.HasSuffix(result, "/") && strings.HasPrefix(part, "/"):
			result += part[1:]
		case strings.HasSuffix(result, "/") || strings.HasPrefix(part, "/"):
			result += part
		default:
			result += "/" + part
		}
	}
	return result
}

type logConsumer struct {
	logger hclog.Logger
}

func newLogConsumer(name string) *logConsumer {
	return &logConsumer{logger: logging.Named(name)}
}

func (l *logConsumer) Accept(entry testcontainers.Log) {
	line := strings.TrimRight(string(entry.Content), "\n")
	if entry.LogType == testcontainers.StderrLog {
		l.logger.Warn(line)
		return
	}
	l.logger.Info(line)
}
