package kafka

import (
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

func resetConfig(t *testing.T) {
	t.Helper()
	config.ResetConfig()
	t.Cleanup(config.ResetConfig)
}

func TestParseProperties(t *testing.T) {
	props, err := ParseProperties("bootstrap.servers=localhost:9092", " client.id = orders ", "empty=")
	require.NoError(t, err)
	assert.Equal(t, Properties{
		"bootstrap.servers": "localhost:9092",
		"client.id":         "orders",
		"empty":             "",
	}, props)
	assert.Equal(t, []string{"bootstrap.servers", "client.id", "empty"}, props.Keys())

	for _, bad := range []string{"novalue", "=value", ""} {
		_, err := ParseProperties(bad)
		assert.ErrorIs(t, err, errdefs.ErrConfiguration, bad)
	}
}

func TestBrokersFromPublishedConfig(t *testing.T) {
	resetConfig(t)

	_, err := Properties{}.Brokers()
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), config.KafkaBootstrapServers)

	config.SetKafkaBootstrapServers("localhost:32768, localhost:32769")
	brokers, err := Properties{}.Brokers()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:32768", "localhost:32769"}, brokers)

	brokers, err = Properties{BootstrapServers: "kafka:29092"}.Brokers()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka:29092"}, brokers)
}

func TestNewWriter(t *testing.T) {
	resetConfig(t)

	_, err := NewWriter("orders")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = NewWriter("orders", "bootstrap.servers")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	config.SetKafkaBootstrapServers("localhost:9092")
	w, err := NewWriter("orders", "request.timeout.ms=2500")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, "orders", w.Topic)
	assert.Equal(t, "localhost:9092", w.Addr.String())
	assert.Equal(t, 2500*time.Millisecond, w.WriteTimeout)
	assert.IsType(t, &segkafka.LeastBytes{}, w.Balancer)

	_, err = NewWriter("orders", "request.timeout.ms=soon")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestNewReader(t *testing.T) {
	resetConfig(t)

	r, err := NewReader("orders", "", "bootstrap.servers=localhost:9092", "auto.offset.reset=latest", "client.id=it")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	cfg := r.Config()
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "orders", cfg.Topic)
	assert.Equal(t, segkafka.LastOffset, cfg.StartOffset)
	assert.Equal(t, "it", cfg.Dialer.ClientID)

	_, err = NewReader("orders", "", "bootstrap.servers=localhost:9092", "auto.offset.reset=sometimes")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestTopicErrors(t *testing.T) {
	ok := kmsg.NewCreateTopicsResponseTopic()
	ok.Topic = "created"
	exists := kmsg.NewCreateTopicsResponseTopic()
	exists.Topic = "existing"
	exists.ErrorCode = kerr.TopicAlreadyExists.Code

	resp := kmsg.NewPtrCreateTopicsResponse()
	resp.Topics = []kmsg.CreateTopicsResponseTopic{ok, exists}
	require.NoError(t, topicErrors(resp))

	bad := kmsg.NewCreateTopicsResponseTopic()
	bad.Topic = "broken"
	bad.ErrorCode = kerr.InvalidReplicationFactor.Code
	resp.Topics = append(resp.Topics, bad)

	err := topicErrors(resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerr.InvalidReplicationFactor)
	assert.Contains(t, err.Error(), "broken")
}
