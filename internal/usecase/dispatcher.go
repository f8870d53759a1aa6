package usecase

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const dispatchBuffer = 10000

type DataDispatcher struct {
	dataChan    chan MQPayload
	producer    DataProducer
	logger      *zap.Logger
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDataDispatcher 创建一个新的数据分发器
func NewDataDispatcher(producer DataProducer, workerCount int, logger *zap.Logger) *DataDispatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DataDispatcher{
		dataChan:    make(chan MQPayload, dispatchBuffer), // 带缓冲 Channel，防止阻塞采样
		producer:    producer,
		workerCount: workerCount,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动 worker 协程池
func (d *DataDispatcher) Start() {
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("DataDispatcher started", zap.Int("workers", d.workerCount))
}

// Stop 关闭通道，等待 worker 发完已排队的消息后退出
func (d *DataDispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.dataChan)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	d.logger.Info("DataDispatcher stopped")
}

// Dispatch 将数据投递到缓冲通道 (非阻塞，满则丢弃)
func (d *DataDispatcher) Dispatch(p MQPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Debug("DataDispatcher stopped, dropping data", zap.String("type", p.Type))
		return
	}

	select {
	case d.dataChan <- p:
	default:
		d.logger.Warn("DataDispatcher channel full, dropping data", zap.String("type", p.Type))
	}
}

func (d *DataDispatcher) worker(id int) {
	defer d.wg.Done()
	for p := range d.dataChan {
		d.process(id, p)
	}
}

func (d *DataDispatcher) process(id int, p MQPayload) {
	// topic 为空时由生产者使用配置的默认 topic
	if err := d.producer.Produce(d.ctx, "", p.RoutingKey(), p); err != nil {
		d.logger.Error("DataDispatcher failed to send data",
			zap.Int("worker", id),
			zap.String("type", p.Type),
			zap.Error(err))
	}
}
