package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"caresync/internal/syncqueue"
	"caresync/pkg/platform/sentinel"
	strutil "caresync/pkg/platform/strings"
)

// KafkaDeliverer produces each item to one topic, keyed by item id.
type KafkaDeliverer struct {
	client *kgo.Client
	topic  string
	opts   options
}

// ParseKafkaEndpoint splits kafka://broker[,broker]/topic.
func ParseKafkaEndpoint(endpoint string) (brokers []string, topic string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "kafka" || u.Host == "" {
		return nil, "", fmt.Errorf("%w: kafka endpoint %q", sentinel.ErrInvalidConfig, endpoint)
	}
	topic = strings.Trim(u.Path, "/")
	if topic == "" || strings.Contains(topic, "/") {
		return nil, "", fmt.Errorf("%w: kafka endpoint %q needs exactly one topic", sentinel.ErrInvalidConfig, endpoint)
	}
	brokers = strutil.SplitList(u.Host, ",")
	return brokers, topic, nil
}

// NewKafka connects to the brokers and creates the topic if it is missing.
func NewKafka(ctx context.Context, endpoint string, opts ...Option) (*KafkaDeliverer, error) {
	brokers, topic, err := ParseKafkaEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	d := &KafkaDeliverer{client: client, topic: topic, opts: o}
	if err := d.ensureTopic(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

func (d *KafkaDeliverer) ensureTopic(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	admin := kadm.NewClient(d.client)
	resp, err := admin.CreateTopics(ctx, d.opts.partitions, -1, nil, d.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", d.topic, err)
	}
	for _, r := range resp.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, item syncqueue.Item) error {
	if !d.opts.breaker.Allow() {
		return ErrCircuitOpen
	}
	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w: %w", item.ID, syncqueue.ErrRejected, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.timeout)
		defer cancel()
	}
	rec := &kgo.Record{
		Topic: d.topic,
		Key:   []byte(item.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(item.Type)},
		},
	}
	if err := d.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		var kErr *kerr.Error
		if errors.As(err, &kErr) && !kErr.Retriable {
			d.opts.breaker.RecordSuccess()
			return fmt.Errorf("produce to %s: %w: %w", d.topic, syncqueue.ErrRejected, err)
		}
		if _, change := d.opts.breaker.RecordFailure(); change.Opened {
			d.opts.logger.WarnContext(ctx, "dashboard circuit opened", "breaker", d.opts.breaker.Name())
		}
		return fmt.Errorf("produce to %s: %w", d.topic, err)
	}
	d.opts.breaker.RecordSuccess()
	return nil
}

func (d *KafkaDeliverer) Close() error {
	d.client.Close()
	return nil
}
