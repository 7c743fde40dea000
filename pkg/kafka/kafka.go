package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

// Property keys recognised when building clients.
const (
	BootstrapServers = "bootstrap.servers"
	ClientID         = "client.id"
	GroupID          = "group.id"
	AutoOffsetReset  = "auto.offset.reset"
	RequestTimeoutMs = "request.timeout.ms"
)

const defaultTimeout = 10 * time.Second

var log = logging.Named("Kafka")

// Properties holds client settings parsed from key=value pairs.
type Properties map[string]string

// ParseProperties parses each entry as key=value. An entry whose '=' is
// missing or leaves a key shorter than one character is rejected.
func ParseProperties(entries ...string) (Properties, error) {
	props := Properties{}
	for _, entry := range entries {
		idx := strings.Index(entry, "=")
		if idx < 1 {
			return nil, errdefs.Configuration("the property %q for the Kafka client is not in the format key=value", entry)
		}
		props[strings.TrimSpace(entry[:idx])] = strings.TrimSpace(entry[idx+1:])
	}
	return props, nil
}

// Brokers returns the explicit bootstrap.servers setting, else the bootstrap
// servers published by the environment.
func (p Properties) Brokers() ([]string, error) {
	servers := p[BootstrapServers]
	if servers == "" {
		servers = config.Lookup(config.KafkaBootstrapServers)
	}
	if servers == "" {
		return nil, errdefs.Configuration("no %s configured for the Kafka client and no %s was published; declare a Kafka container or set it explicitly",
			BootstrapServers, config.KafkaBootstrapServers)
	}

	var brokers []string
	for _, b := range strings.Split(servers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers, nil
}

func (p Properties) timeout() (time.Duration, error) {
	v, ok := p[RequestTimeoutMs]
	if !ok {
		return defaultTimeout, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, errdefs.Configuration("%s must be a positive integer, got %q", RequestTimeoutMs, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (p Properties) startOffset() (int64, error) {
	switch v := p[AutoOffsetReset]; v {
	case "", "earliest":
		return kafka.FirstOffset, nil
	case "latest":
		return kafka.LastOffset, nil
	default:
		return 0, errdefs.Configuration("%s must be earliest or latest, got %q", AutoOffsetReset, v)
	}
}

// Keys lists the configured keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewWriter builds a producer for topic.
func NewWriter(topic string, props ...string) (*kafka.Writer, error) {
	p, err := ParseProperties(props...)
	if err != nil {
		return nil, err
	}
	brokers, err := p.Brokers()
	if err != nil {
		return nil, err
	}
	timeout, err := p.timeout()
	if err != nil {
		return nil, err
	}

	log.Debug("creating producer", "topic", topic, "brokers", brokers, "properties", p.Keys())
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: timeout,
		ReadTimeout:  timeout,
	})
	return w, nil
}

// NewReader builds a consumer for topic. groupID may be empty when the
// properties carry group.id.
func NewReader(topic, groupID string, props ...string) (*kafka.Reader, error) {
	p, err := ParseProperties(props...)
	if err != nil {
		return nil, err
	}
	brokers, err := p.Brokers()
	if err != nil {
		return nil, err
	}
	if groupID == "" {
		groupID = p[GroupID]
	}
	offset, err := p.startOffset()
	if err != nil {
		return nil, err
	}
	timeout, err := p.timeout()
	if err != nil {
		return nil, err
	}

	log.Debug("creating consumer", "topic", topic, "group", groupID, "brokers", brokers)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: offset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		Dialer: &kafka.Dialer{
			ClientID: p[ClientID],
			Timeout:  timeout,
		},
	})
	return r, nil
}

// EnsureTopics creates each topic with the given partition count and a
// replication factor of one. Topics that already exist are left alone.
func EnsureTopics(ctx context.Context, brokers []string, partitions int32, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if partitions < 1 {
		partitions = 1
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer client.Close()

	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = int32(defaultTimeout / time.Millisecond)
	for _, topic := range topics {
		t := kmsg.NewCreateTopicsRequestTopic()
		t.Topic = topic
		t.NumPartitions = partitions
		t.ReplicationFactor = 1
		req.Topics = append(req.Topics, t)
	}

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to create topics %v: %w", topics, err)
	}
	return topicErrors(resp)
}

func topicErrors(resp *kmsg.CreateTopicsResponse) error {
	var result *multierror.Error
	for _, t := range resp.Topics {
		err := kerr.ErrorForCode(t.ErrorCode)
		if err == nil || errors.Is(err, kerr.TopicAlreadyExists) {
			continue
		}
		result = multierror.Append(result, fmt.Errorf("topic %s: %w", t.Topic, err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	log.Info("topics ready", "count", len(resp.Topics))
	return nil
}
