package environment

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
	"github.com/microshed/microshed-testing-go/pkg/group"
)

var (
	runtimeOverride    string
	runtimeOverrideMux sync.RWMutex
)

// SetRuntimeURL overrides the host and port read from configuration.
// An empty value removes the override.
func SetRuntimeURL(u string) {
	runtimeOverrideMux.Lock()
	defer runtimeOverrideMux.Unlock()

	runtimeOverride = u
}

// runtimeURL is scheme://host:port of an externally started runtime. HTTPS
// wins when both ports are configured.
func runtimeURL() (*url.URL, error) {
	runtimeOverrideMux.RLock()
	override := runtimeOverride
	runtimeOverrideMux.RUnlock()

	if override != "" {
		u, err := url.Parse(override)
		if err != nil || u.Host == "" {
			return nil, errdefs.Configuration("runtime URL %q is not an absolute URL", override)
		}
		return u, nil
	}

	cfg := config.GetConfig()
	if cfg.Hostname == "" {
		return nil, errdefs.Configuration("the %s property must be set to use an externally started runtime", config.Hostname)
	}

	scheme, key, port := "https", config.HTTPSPort, cfg.HTTPSPort
	if port == "" {
		scheme, key, port = "http", config.HTTPPort, cfg.HTTPPort
	}
	if port == "" {
		return nil, errdefs.Configuration("the %s or %s property must be set to use an externally started runtime", config.HTTPPort, config.HTTPSPort)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, errdefs.Configuration("value of %s must be an integer, but was %q", key, port)
	}
	return &url.URL{Scheme: scheme, Host: cfg.Hostname + ":" + port}, nil
}

// contextRoot is the configured application path, always starting with "/".
func contextRoot() string {
	root := config.Lookup(config.AppContextRoot)
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	return root
}

// ManuallyStarted talks to a runtime the developer started by hand. Nothing
// is discovered or started.
type ManuallyStarted struct{}

func NewManuallyStarted() *ManuallyStarted {
	return &ManuallyStarted{}
}

func (m *ManuallyStarted) Priority() int {
	return PriorityManual
}

// IsAvailable requires the manual flag, a hostname and an HTTP or HTTPS port.
func (m *ManuallyStarted) IsAvailable() bool {
	cfg := config.GetConfig()
	return cfg.ManualEnabled && cfg.Hostname != "" && (cfg.HTTPPort != "" || cfg.HTTPSPort != "")
}

func (m *ManuallyStarted) PreConfigure(context.Context, *group.Suite) error {
	return nil
}

func (m *ManuallyStarted) Start(context.Context) error {
	return nil
}

func (m *ManuallyStarted) ApplicationURL(context.Context) (string, error) {
	u, err := runtimeURL()
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(u.String(), "/") + contextRoot(), nil
}
