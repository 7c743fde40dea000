package container

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"

	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

const (
	KafkaPort            = 9092
	kafkaNetworkPort     = 29092
	PostgresPort         = 5432
	DefaultKafkaImage    = "docker.redpanda.com/redpandadata/redpanda:v24.3.7"
	DefaultPostgresImage = "postgres:16-alpine"
)

type database struct {
	name     string
	user     string
	password string
}

// NewKafka describes a Kafka compatible broker backed by the redpanda module.
func NewKafka(image string) *Container {
	if image == "" {
		image = DefaultKafkaImage
	}
	c := newContainer(KindKafka)
	c.image = image
	c.exposed = []int{KafkaPort}
	c.run = runRedpanda
	return c
}

// NewPostgres describes a PostgreSQL database backed by the postgres module.
// Empty settings default to "postgres".
func NewPostgres(image, dbName, user, password string) *Container {
	if image == "" {
		image = DefaultPostgresImage
	}
	dbName = orDefault(dbName, "postgres")
	user = orDefault(user, "postgres")
	password = orDefault(password, "postgres")
	c := newContainer(KindPostgres)
	c.image = image
	c.exposed = []int{PostgresPort}
	c.db = &database{name: dbName, user: user, password: password}
	c.run = func(ctx context.Context, req testcontainers.GenericContainerRequest) (testcontainers.Container, error) {
		return runPostgres(ctx, req, *c.db)
	}
	return c
}

// moduleRequest strips what the module sets on its own.
func moduleRequest(req testcontainers.GenericContainerRequest) testcontainers.GenericContainerRequest {
	req.Image = ""
	req.ExposedPorts = nil
	req.WaitingFor = nil
	return req
}

func runRedpanda(ctx context.Context, req testcontainers.GenericContainerRequest) (testcontainers.Container, error) {
	opts := []testcontainers.ContainerCustomizer{
		testcontainers.CustomizeRequest(moduleRequest(req)),
	}
	for _, aliases := range req.NetworkAliases {
		if len(aliases) > 0 {
			opts = append(opts, redpanda.WithListener(fmt.Sprintf("%s:%d", aliases[0], kafkaNetworkPort)))
			break
		}
	}

	ctr, err := redpanda.Run(ctx, req.Image, opts...)
	if ctr == nil {
		return nil, err
	}
	return ctr, err
}

func runPostgres(ctx context.Context, req testcontainers.GenericContainerRequest, db database) (testcontainers.Container, error) {
	opts := []testcontainers.ContainerCustomizer{
		testcontainers.CustomizeRequest(moduleRequest(req)),
		postgres.WithDatabase(db.name),
		postgres.WithUsername(db.user),
		postgres.WithPassword(db.password),
		postgres.BasicWaitStrategies(),
	}

	ctr, err := postgres.Run(ctx, req.Image, opts...)
	if ctr == nil {
		return nil, err
	}
	return ctr, err
}

// BootstrapServers is the broker address reachable from the test process.
func (c *Container) BootstrapServers(ctx context.Context) (string, error) {
	if c.kind != KindKafka {
		return "", errdefs.State("%s is not a Kafka container", c.DisplayName())
	}
	if rp, ok := c.Handle().(*redpanda.Container); ok {
		return rp.KafkaSeedBroker(ctx)
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, KafkaPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// NetworkBootstrapServers is the broker address reachable from other
// containers on the same network, or "" when the broker has no alias.
func (c *Container) NetworkBootstrapServers() string {
	aliases := c.NetworkAliases()
	if c.kind != KindKafka || len(aliases) == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", aliases[0], kafkaNetworkPort)
}

// ConnectionString is the database URL reachable from the test process.
func (c *Container) ConnectionString(ctx context.Context, args ...string) (string, error) {
	if c.kind != KindPostgres {
		return "", errdefs.State("%s is not a Postgres container", c.DisplayName())
	}
	pg, ok := c.Handle().(*postgres.PostgresContainer)
	if !ok {
		return "", errdefs.State("%s has not been started", c.DisplayName())
	}
	return pg.ConnectionString(ctx, args...)
}

// Credentials returns the configured database user and password.
func (c *Container) Credentials() (user, password string) {
	if c.db == nil {
		return "", ""
	}
	return c.db.user, c.db.password
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
