package microshed

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/pkg/environment"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
	"github.com/microshed/microshed-testing-go/pkg/group"
	"github.com/microshed/microshed-testing-go/pkg/jwt"
	"github.com/microshed/microshed-testing-go/pkg/rest"
)

func reset(t *testing.T) {
	t.Helper()
	orig := ConfigDir
	resetState := func() {
		environment.ResetForTesting()
		config.ResetConfig()
		group.ResetForTesting()
		rest.ResetDefault()
		current.Store(nil)
	}
	resetState()
	ConfigDir = t.TempDir()
	t.Cleanup(func() {
		resetState()
		ConfigDir = orig
	})
}

// noAppEnv is an environment whose suites declare no application.
type noAppEnv struct {
	preconfigured *group.Suite
	started       bool
}

func (e *noAppEnv) Priority() int { return 100 }

func (e *noAppEnv) PreConfigure(_ context.Context, s *group.Suite) error {
	e.preconfigured = s
	return nil
}

func (e *noAppEnv) Start(context.Context) error {
	e.started = true
	return nil
}

func (e *noAppEnv) ApplicationURL(context.Context) (string, error) {
	return "", errdefs.Configuration("no application container was declared")
}

func startApplication(t *testing.T) (host, port string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/greeting", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "hello"})
	})
	r.GET("/whoami", func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		claims, err := jwt.Parse(token)
		if err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sub": claims["sub"], "groups": claims["groups"]})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	return host, port
}

func manualConfig(host, port string) {
	config.Set(config.ManualEnabled, "true")
	config.Set(config.Hostname, host)
	config.Set(config.HTTPPort, port)
}

func TestStartAgainstManuallyStartedApplication(t *testing.T) {
	reset(t)
	host, port := startApplication(t)
	manualConfig(host, port)

	ctx := context.Background()
	s, err := Start(ctx, group.NewSuite("GreetingIT"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.IsType(t, &environment.ManuallyStarted{}, s.Environment())
	assert.Equal(t, "http://"+host+":"+port+"/", s.ApplicationURL())
	require.NotNil(t, rest.Default())

	client, err := s.RESTClient()
	require.NoError(t, err)
	resp, err := client.R().Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.JSONEq(t, `{"message":"hello"}`, resp.String())

	resp, err = rest.Default().R().Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
}

func TestRESTClientWithJWT(t *testing.T) {
	reset(t)
	host, port := startApplication(t)
	manualConfig(host, port)

	s, err := Start(context.Background(), group.NewSuite("SecureIT").RequireJWT())
	require.NoError(t, err)

	client, err := s.RESTClientWithJWT("fred", "groups=users,admins")
	require.NoError(t, err)
	resp, err := client.R().Get("whoami")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.JSONEq(t, `{"sub":"fred","groups":["users","admins"]}`, resp.String())
}

func TestRESTClientWithJWTRequiresKeyInjection(t *testing.T) {
	reset(t)
	host, port := startApplication(t)
	manualConfig(host, port)

	s, err := Start(context.Background(), group.NewSuite("PlainIT"))
	require.NoError(t, err)

	_, err = s.RESTClientWithJWT("fred")
	require.ErrorIs(t, err, errdefs.ErrState)
	assert.Contains(t, err.Error(), "RequireJWT")

	shared, err := Start(context.Background(), group.NewSuite("SharedIT").UseShared(group.NewSharedConfig("Empty")))
	require.NoError(t, err)
	_, err = shared.RESTClientWithJWT("fred")
	assert.NoError(t, err)
}

func TestConfigFileIsRead(t *testing.T) {
	reset(t)
	host, port := startApplication(t)
	yaml := "microshed_manual_env: true\nmicroshed_hostname: " + host + "\nmicroshed_http_port: " + port + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(ConfigDir, "microshed.yaml"), []byte(yaml), 0o644))

	s, err := Start(context.Background(), group.NewSuite("FileIT"))
	require.NoError(t, err)
	assert.IsType(t, &environment.ManuallyStarted{}, s.Environment())
}

func TestSuiteWithoutApplication(t *testing.T) {
	reset(t)
	env := &noAppEnv{}
	environment.Register("no-app", func() environment.Environment { return env })

	suite := group.NewSuite("DependenciesOnlyIT")
	s, err := Start(context.Background(), suite)
	require.NoError(t, err)

	assert.Same(t, suite, env.preconfigured)
	assert.True(t, env.started)
	assert.Empty(t, s.ApplicationURL())
	assert.Nil(t, rest.Default())

	_, err = s.RESTClient()
	assert.ErrorIs(t, err, errdefs.ErrState)
	_, err = s.RESTClientWithJWT("fred")
	assert.ErrorIs(t, err, errdefs.ErrState)
}

func TestQuarkusLeavesDefaultClientAlone(t *testing.T) {
	reset(t)
	props := filepath.Join(ConfigDir, "application.properties")
	require.NoError(t, os.WriteFile(props, []byte("quarkus.http.test-port=8081\n"), 0o644))
	config.Set(config.QuarkusPropertiesFile, props)
	config.Set(config.QuarkusTestURL, "http://localhost:8081/")

	s, err := Start(context.Background(), group.NewSuite("QuarkusIT"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081/", s.ApplicationURL())
	assert.Nil(t, rest.Default())
}

func TestStartFailsOnUnresolvableOverride(t *testing.T) {
	reset(t)
	config.Set(config.EnvClass, "does.not.Exist")

	_, err := Start(context.Background(), group.NewSuite("BrokenIT"))
	assert.ErrorIs(t, err, errdefs.ErrResolution)
}

func TestKafkaClientsAreClosedWithSession(t *testing.T) {
	reset(t)
	environment.Register("no-app", func() environment.Environment { return &noAppEnv{} })

	s, err := Start(context.Background(), group.NewSuite("KafkaIT"))
	require.NoError(t, err)

	_, err = s.KafkaWriter("orders")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	err = s.EnsureTopics(context.Background(), 1, "orders")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	config.SetKafkaBootstrapServers("localhost:9092")
	w, err := s.KafkaWriter("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", w.Topic)

	r, err := s.KafkaReader("orders", "")
	require.NoError(t, err)
	assert.Equal(t, "orders", r.Config().Topic)

	require.NoError(t, s.Close())
	assert.Empty(t, s.closers)
}

func TestOpenDatabaseRequiresPublishedDatasource(t *testing.T) {
	reset(t)
	environment.Register("no-app", func() environment.Environment { return &noAppEnv{} })

	s, err := Start(context.Background(), group.NewSuite("DatabaseIT"))
	require.NoError(t, err)

	_, err = s.OpenDatabase(context.Background())
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), config.DatasourceURL)
}

type fakeRunner struct {
	code int
	seen *Session
}

func (f *fakeRunner) Run() int {
	f.seen = Current()
	return f.code
}

func TestRun(t *testing.T) {
	reset(t)
	environment.Register("no-app", func() environment.Environment { return &noAppEnv{} })

	m := &fakeRunner{code: 3}
	assert.Equal(t, 3, run(context.Background(), m, group.NewSuite("RunIT")))
	require.NotNil(t, m.seen)
	assert.Equal(t, "RunIT", m.seen.Suite().Name())
	assert.Nil(t, Current())

	environment.ResetForTesting()
	config.Set(config.EnvClass, "does.not.Exist")
	m = &fakeRunner{}
	assert.Equal(t, 1, run(context.Background(), m, group.NewSuite("FailIT")))
	assert.Nil(t, m.seen)
}
