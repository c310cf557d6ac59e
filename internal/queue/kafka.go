package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

// Producer writes patrol events to the events topic. Messages are keyed by
// guard id and routed with GuardBalancer, so one guard's events stay in
// order on a single partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a synchronous producer for cfg.TopicEvents.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 || batchTimeout > time.Second {
		batchTimeout = 50 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.TopicEvents,
			Balancer:     GuardBalancer(),
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: batchTimeout,
		},
	}
}

// Publish writes one message keyed by guard id.
func (p *Producer) Publish(ctx context.Context, guardID string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(guardID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write event for guard %s: %w", guardID, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// GuardBalancer picks the partition with GetPartitionForGuard.
func GuardBalancer() kafka.Balancer {
	return kafka.BalancerFunc(func(msg kafka.Message, partitions ...int) int {
		return partitions[GetPartitionForGuard(string(msg.Key), len(partitions))]
	})
}

// GetPartitionForGuard maps a guard id onto [0, numPartitions).
func GetPartitionForGuard(guardID string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	hash := crc32.ChecksumIEEE([]byte(guardID))
	return int(hash % uint32(numPartitions))
}

// Consumer reads the events topic as part of a consumer group. Offsets are
// committed explicitly by the caller once a message has been handled.
type Consumer struct {
	reader *kafka.Reader
	group  string
}

func NewConsumer(cfg *config.KafkaConfig, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.TopicEvents,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		}),
		group: groupID,
	}
}

// Consume blocks until the next message arrives or ctx ends.
func (c *Consumer) Consume(ctx context.Context) (kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%s: fetch: %w", c.group, err)
	}
	return msg, nil
}

func (c *Consumer) Commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: commit offset %d: %w", c.group, msg.Offset, err)
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// CreateTopic creates the events topic through the cluster controller. An
// existing topic is not an error.
func CreateTopic(cfg *config.KafkaConfig, replicationFactor int) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("create topic %s: no brokers configured", cfg.TopicEvents)
	}
	conn, err := kafka.Dial("tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}

	controllerConn, err := kafka.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.TopicEvents,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: replicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.TopicEvents, err)
	}

	logging.Info().Str("topic", cfg.TopicEvents).Int("partitions", cfg.NumPartitions).Msg("events topic ready")
	return nil
}
