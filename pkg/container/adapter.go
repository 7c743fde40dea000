package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

// ServerAdapter describes the runtime hosting the application under test.
type ServerAdapter interface {
	DefaultHTTPPort() int
	DefaultHTTPSPort() int
	DefaultStartTimeout() time.Duration
	// ReadinessPath is the runtime's readiness endpoint, or "" to use the
	// application context root.
	ReadinessPath() string
}

// Prioritized adapters win over lower priority ones. Adapters without a
// priority rank at 0.
type Prioritized interface {
	Priority() int
}

// ConfigSetter pushes configuration into a runtime that is already running.
type ConfigSetter interface {
	SetConfigProperties(ctx context.Context, props map[string]string) error
}

// ImageBuilder builds a default image around an application archive.
type ImageBuilder interface {
	DefaultImage(appFile string) (testcontainers.FromDockerfile, error)
}

// AutoWirer connects the application container to the dependencies it was
// declared alongside, before anything starts.
type AutoWirer interface {
	AutoWire(app *Container, deps []*Container)
}

const (
	defaultAdapterPriority = -100

	// KafkaBootstrapEnv is the variable the default adapter sets on the
	// application container when exactly one Kafka container is declared.
	KafkaBootstrapEnv = "KAFKA_BOOTSTRAP_SERVERS"
	kafkaAlias        = "kafka"
)

var (
	adapters   []ServerAdapter
	adapterMux sync.RWMutex
)

// RegisterAdapter makes a runtime adapter available to application containers
// created afterwards.
func RegisterAdapter(a ServerAdapter) {
	adapterMux.Lock()
	defer adapterMux.Unlock()

	adapters = append(adapters, a)
}

// ResetAdaptersForTesting forgets every registered adapter.
func ResetAdaptersForTesting() {
	adapterMux.Lock()
	defer adapterMux.Unlock()

	adapters = nil
}

func priorityOf(a ServerAdapter) int {
	if p, ok := a.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

// resolveAdapter returns the highest priority registered adapter.
func resolveAdapter() (ServerAdapter, bool) {
	adapterMux.RLock()
	defer adapterMux.RUnlock()

	if len(adapters) == 0 {
		return nil, false
	}
	sorted := make([]ServerAdapter, len(adapters))
	copy(sorted, adapters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorityOf(sorted[i]) > priorityOf(sorted[j])
	})
	for _, a := range sorted {
		log.Debug("discovered server adapter", "adapter", fmt.Sprintf("%T", a), "priority", priorityOf(a))
	}
	return sorted[0], true
}

// DefaultServerAdapter is used when no runtime adapter is registered. It
// guesses the HTTP port from the ports the image exposes.
type DefaultServerAdapter struct {
	image      string
	dockerfile string

	once sync.Once
	port int
}

// imagePullTimeout bounds inspecting an image, including pulling it first.
const imagePullTimeout = 5 * time.Minute

// imagePorts lists the ports an image exposes, pulling the image when it is
// not present locally.
func imagePorts(ctx context.Context, ref string) ([]int, error) {
	ports, err := inspectImage(ctx, ref)
	if err == nil || !cerrdefs.IsNotFound(err) {
		return ports, err
	}
	log.Info("image not found locally, pulling", "image", ref)
	if err := pullImage(ctx, ref); err != nil {
		return nil, fmt.Errorf("pulling %s: %w", ref, err)
	}
	return inspectImage(ctx, ref)
}

// pullImage fetches ref from its registry. Replaced in tests.
var pullImage = func(ctx context.Context, ref string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// inspectImage lists the ports a local image exposes. Replaced in tests.
var inspectImage = func(ctx context.Context, ref string) ([]int, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	resp, err := cli.ImageInspect(ctx, ref)
	if err != nil {
		return nil, err
	}
	if resp.Config == nil {
		return nil, nil
	}

	keys := make([]string, 0, len(resp.Config.ExposedPorts))
	for k := range resp.Config.ExposedPorts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	ports := make([]int, 0, len(keys))
	for _, k := range keys {
		if p := nat.Port(k).Int(); p > 0 {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

func newDefaultAdapter(ref, dockerfile string) *DefaultServerAdapter {
	return &DefaultServerAdapter{image: ref, dockerfile: dockerfile}
}

func (a *DefaultServerAdapter) Priority() int {
	return defaultAdapterPriority
}

// DefaultHTTPPort picks the first exposed port ending in 80, else the first
// exposed port, else -1.
func (a *DefaultServerAdapter) DefaultHTTPPort() int {
	a.once.Do(func() {
		var (
			ports []int
			err   error
		)
		if a.dockerfile != "" {
			ports, err = dockerfileExposedPorts(a.dockerfile)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), imagePullTimeout)
			defer cancel()
			ports, err = imagePorts(ctx, a.image)
		}
		if err != nil {
			log.Warn("unable to determine exposed ports", "image", a.image, "dockerfile", a.dockerfile, "error", err)
		}
		log.Info("found exposed ports", "ports", ports)
		a.port = choosePort(ports)
		log.Info("automatically selecting default HTTP port", "port", a.port)
	})
	return a.port
}

func choosePort(ports []int) int {
	best := -1
	for _, p := range ports {
		if strings.HasSuffix(strconv.Itoa(p), "80") {
			return p
		}
		if best == -1 {
			best = p
		}
	}
	return best
}

// dockerfileExposedPorts reads EXPOSE instructions from a Dockerfile.
func dockerfileExposedPorts(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ports []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !strings.EqualFold(fields[0], "EXPOSE") {
			continue
		}
		for _, spec := range fields[1:] {
			proto, port := nat.SplitProtoPort(spec)
			if proto != "tcp" {
				continue
			}
			if p, err := strconv.Atoi(port); err == nil {
				ports = append(ports, p)
			}
		}
	}
	return ports, scanner.Err()
}

func (a *DefaultServerAdapter) DefaultHTTPSPort() int {
	return -1
}

// DefaultStartTimeout is widened when running under CI.
func (a *DefaultServerAdapter) DefaultStartTimeout() time.Duration {
	return DefaultStartTimeout()
}

func (a *DefaultServerAdapter) ReadinessPath() string {
	return ""
}

// AutoWire points the application at the only declared Kafka container
// through its in-network listener.
func (a *DefaultServerAdapter) AutoWire(app *Container, deps []*Container) {
	WireKafka(app, deps)
}

// DefaultStartTimeout is 90s when CI is set, else 30s.
func DefaultStartTimeout() time.Duration {
	if config.Bool(config.CI) {
		return 90 * time.Second
	}
	return 30 * time.Second
}

// WireKafka sets KafkaBootstrapEnv on app when exactly one Kafka container
// is present and the variable is not already set.
func WireKafka(app *Container, deps []*Container) {
	var brokers []*Container
	for _, d := range deps {
		if d != app && d.Kind() == KindKafka {
			brokers = append(brokers, d)
		}
	}
	switch {
	case len(brokers) == 0:
		return
	case len(brokers) > 1:
		log.Info("located multiple Kafka containers, unable to auto configure the application", "count", len(brokers))
		return
	}
	if _, ok := app.EnvValue(KafkaBootstrapEnv); ok {
		return
	}

	broker := brokers[0]
	if len(broker.NetworkAliases()) == 0 {
		broker.WithNetworkAliases(kafkaAlias)
	}
	servers := broker.NetworkBootstrapServers()
	app.WithEnv(KafkaBootstrapEnv, servers)
	log.Debug("auto-wired kafka bootstrap servers", "container", app.DisplayName(), "servers", servers)
}

// findAppFile locates exactly one .war archive under build/ or target/.
func findAppFile(root string) (string, error) {
	var matches []string
	for _, dir := range []string{"build", "target"} {
		base := filepath.Join(root, dir)
		info, err := os.Stat(base)
		if err != nil || !info.IsDir() {
			continue
		}
		_ = filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type().IsRegular() && strings.HasSuffix(strings.ToLower(d.Name()), ".war") {
				matches = append(matches, path)
			}
			return nil
		})
	}
	switch len(matches) {
	case 0:
		return "", errdefs.Configuration("no .war files found in %s/build or %s/target", root, root)
	case 1:
		log.Info("found application file", "path", matches[0])
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", errdefs.Configuration("found multiple application files %v, expecting exactly one", matches)
	}
}
