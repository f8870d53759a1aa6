package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"gauge-cycler/internal/config"
	"gauge-cycler/internal/infra/mq"
)

const defaultTopic = "gauge_telemetry"

type KafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
	topic  string
}

// Ensure KafkaProducer implements mq.Producer
var _ mq.Producer = (*KafkaProducer)(nil)

func NewKafkaProducer(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}

	// 不设置 Writer.Topic，每条消息自带 topic
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{}, // 同一 key (消息类型) 进入同一分区，保持顺序
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Async Kafka write failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}

	logger.Info("Initialized Kafka producer", zap.Strings("brokers", cfg.Brokers), zap.String("topic", topic))

	return &KafkaProducer{
		writer: w,
		logger: logger,
		topic:  topic,
	}, nil
}

// message 构造待发送的消息，topic 为空时使用默认 topic
func (p *KafkaProducer) message(topic string, key string, data interface{}) (kafka.Message, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal data: %w", err)
	}
	if topic == "" {
		topic = p.topic
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: time.Now(),
	}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	msg, err := p.message(topic, key, data)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to produce message to Kafka", zap.Error(err), zap.String("topic", msg.Topic))
		return err
	}

	p.logger.Debug("Produced message to Kafka", zap.String("topic", msg.Topic), zap.String("key", key))
	return nil
}

func (p *KafkaProducer) Close() {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka writer", zap.Error(err))
	}
}
