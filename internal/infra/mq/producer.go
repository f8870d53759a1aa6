package mq

import (
	"context"
	"errors"
)

// Producer defines the interface for message queue producers
type Producer interface {
	Produce(ctx context.Context, topic string, key string, data interface{}) error
	Close()
}

// NoOpProducer is a dummy producer used when MQ is disabled
type NoOpProducer struct{}

func NewNoOpProducer() *NoOpProducer {
	return &NoOpProducer{}
}

func (p *NoOpProducer) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	return nil
}

func (p *NoOpProducer) Close() {}

// Fanout 把同一条消息发送给多个生产者 (message_queue.type = both)
type Fanout struct {
	producers []Producer
}

var _ Producer = (*Fanout)(nil)

func NewFanout(producers ...Producer) *Fanout {
	return &Fanout{producers: producers}
}

// Produce 发送给全部生产者，单个失败不影响其余，错误合并返回
func (f *Fanout) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	var errs []error
	for _, p := range f.producers {
		if err := p.Produce(ctx, topic, key, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() {
	for _, p := range f.producers {
		p.Close()
	}
}
