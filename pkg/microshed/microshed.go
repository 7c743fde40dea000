// Package microshed is the entry point for integration test suites. A suite
// declares its containers on a group.Suite, then calls Main from TestMain (or
// Start from a test) to resolve an environment, start what it needs and hand
// out clients pointed at the application.
package microshed

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-multierror"
	_ "github.com/jackc/pgx/v5/stdlib"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/environment"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
	"github.com/microshed/microshed-testing-go/pkg/group"
	"github.com/microshed/microshed-testing-go/pkg/kafka"
	"github.com/microshed/microshed-testing-go/pkg/rest"
)

var log = logging.Named("MicroShed")

// ConfigDir is where Start looks for microshed.yaml.
var ConfigDir = "."

// Session is a started suite.
type Session struct {
	suite  *group.Suite
	env    environment.Environment
	appURL string

	mu      sync.Mutex
	closers []io.Closer
}

// Start resolves the environment, pre-configures it for suite and starts it.
// A suite without an application container still gets its dependencies; only
// the REST helpers are unavailable.
func Start(ctx context.Context, suite *group.Suite) (*Session, error) {
	if err := config.LoadConfig(ConfigDir); err != nil {
		return nil, errdefs.WrapConfiguration(err)
	}

	env, err := environment.Resolve()
	if err != nil {
		return nil, err
	}
	log.Info("using environment", "environment", environment.TypeName(env), "suite", suite.Name())

	if err := env.PreConfigure(ctx, suite); err != nil {
		return nil, err
	}
	if err := env.Start(ctx); err != nil {
		return nil, err
	}

	s := &Session{suite: suite, env: env}
	appURL, err := env.ApplicationURL(ctx)
	switch {
	case errors.Is(err, errdefs.ErrConfiguration):
		log.Debug("suite has no application URL", "reason", err)
	case err != nil:
		return nil, err
	default:
		s.appURL = appURL
		if environment.ConfiguresRESTClient(env) {
			rest.ConfigureDefault(appURL)
		}
		log.Info("application ready", "url", appURL)
	}
	return s, nil
}

func (s *Session) Suite() *group.Suite {
	return s.suite
}

func (s *Session) Environment() environment.Environment {
	return s.env
}

// ApplicationURL is empty when the suite declares no application.
func (s *Session) ApplicationURL() string {
	return s.appURL
}

func (s *Session) requireApp() error {
	if s.appURL == "" {
		return errdefs.State("%s has no application URL", s.suite)
	}
	return nil
}

// RESTClient returns a JSON client rooted at the application URL.
func (s *Session) RESTClient(opts ...rest.Option) (*resty.Client, error) {
	if err := s.requireApp(); err != nil {
		return nil, err
	}
	return rest.New(s.appURL, opts...), nil
}

// RESTClientWithJWT returns a client carrying a token signed for subject by
// the key injected into the application container. The suite must call
// RequireJWT or use a shared config, otherwise no key was injected.
func (s *Session) RESTClientWithJWT(subject string, claims ...string) (*resty.Client, error) {
	if err := s.requireApp(); err != nil {
		return nil, err
	}
	if !s.suite.JWTRequired() && s.suite.Shared() == nil {
		return nil, errdefs.State("%s did not call RequireJWT, so the application has no key to verify tokens with", s.suite)
	}
	return rest.NewWithJWT(s.appURL, subject, "", claims...)
}

// KafkaWriter returns a producer that is closed with the session.
func (s *Session) KafkaWriter(topic string, props ...string) (*segkafka.Writer, error) {
	w, err := kafka.NewWriter(topic, props...)
	if err != nil {
		return nil, err
	}
	s.track(w)
	return w, nil
}

// KafkaReader returns a consumer that is closed with the session.
func (s *Session) KafkaReader(topic, groupID string, props ...string) (*segkafka.Reader, error) {
	r, err := kafka.NewReader(topic, groupID, props...)
	if err != nil {
		return nil, err
	}
	s.track(r)
	return r, nil
}

// EnsureTopics creates topics on the published Kafka broker.
func (s *Session) EnsureTopics(ctx context.Context, partitions int32, topics ...string) error {
	brokers, err := kafka.Properties{}.Brokers()
	if err != nil {
		return err
	}
	return kafka.EnsureTopics(ctx, brokers, partitions, topics...)
}

// OpenDatabase connects to the published datasource.
func (s *Session) OpenDatabase(ctx context.Context) (*sql.DB, error) {
	url := config.Lookup(config.DatasourceURL)
	if url == "" {
		return nil, errdefs.Configuration("no %s was published; declare a single Postgres container or set it explicitly", config.DatasourceURL)
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.track(db)
	return db, nil
}

func (s *Session) track(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closers = append(s.closers, c)
}

// Close releases clients handed out by the session. Containers are left to
// the testcontainers reaper.
func (s *Session) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

var current atomic.Pointer[Session]

// Current is the session started by Main, or nil.
func Current() *Session {
	return current.Load()
}

type testRunner interface {
	Run() int
}

// Main starts suite, runs the tests and exits. Call it from TestMain.
func Main(m *testing.M, suite *group.Suite) {
	os.Exit(run(context.Background(), m, suite))
}

func run(ctx context.Context, m testRunner, suite *group.Suite) int {
	s, err := Start(ctx, suite)
	if err != nil {
		log.Error("unable to start test environment", "suite", suite.Name(), "error", err)
		return 1
	}
	current.Store(s)
	defer func() {
		current.Store(nil)
		if err := s.Close(); err != nil {
			log.Warn("error closing clients", "error", err)
		}
	}()
	return m.Run()
}
