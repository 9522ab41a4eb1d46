package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "marketlink/config"
	"marketlink/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder publishes queued notifications to a Kafka topic keyed by market.
type KafkaForwarder struct {
	queue   *Queue
	writer  messageWriter
	topic   string
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log
}

func NewKafkaForwarder(cfg appconfig.KafkaConfig, queue *Queue) (*KafkaForwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	kf := newKafkaForwarder(w, cfg.Topic, queue)
	kf.log.WithComponent("kafka_forwarder").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka forwarder initialized")
	return kf, nil
}

func newKafkaForwarder(w messageWriter, topic string, queue *Queue) *KafkaForwarder {
	return &KafkaForwarder{
		queue:  queue,
		writer: w,
		topic:  topic,
		log:    logger.GetLogger(),
	}
}

func (kf *KafkaForwarder) Start(ctx context.Context) error {
	kf.mu.Lock()
	if kf.running {
		kf.mu.Unlock()
		return fmt.Errorf("kafka forwarder already running")
	}
	kf.running = true
	ctx, kf.cancel = context.WithCancel(ctx)
	kf.mu.Unlock()

	kf.log.WithComponent("kafka_forwarder").Debug("starting kafka forwarder")

	kf.wg.Add(1)
	go func() {
		defer kf.wg.Done()
		kf.queue.Drain(ctx, func(n Notification) { kf.forward(ctx, n) })
	}()
	return nil
}

func (kf *KafkaForwarder) forward(ctx context.Context, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		kf.log.WithComponent("kafka_forwarder").WithError(err).Warn("failed to marshal notification")
		return
	}
	msg := kafka.Message{
		Key:   []byte(n.Market),
		Value: data,
	}
	if err := kf.writer.WriteMessages(ctx, msg); err != nil {
		kf.log.WithComponent("kafka_forwarder").WithMarket(n.Market).WithError(err).Warn("failed to write notification")
		return
	}
	kf.log.WithComponent("kafka_forwarder").WithMarket(n.Market).Debug("notification written to kafka")
}

func (kf *KafkaForwarder) Stop() {
	kf.mu.Lock()
	if !kf.running {
		kf.mu.Unlock()
		return
	}
	kf.running = false
	kf.cancel()
	kf.mu.Unlock()

	kf.wg.Wait()
	if err := kf.writer.Close(); err != nil {
		kf.log.WithComponent("kafka_forwarder").WithError(err).Warn("failed to close kafka writer")
	}
	kf.log.WithComponent("kafka_forwarder").Debug("kafka forwarder stopped")
}
