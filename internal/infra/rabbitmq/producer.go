package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"gauge-cycler/internal/config"
	"gauge-cycler/internal/infra/mq"
)

const (
	defaultExchange = "gauge"
	reconnectDelay  = 5 * time.Second
)

var (
	ErrClosed       = errors.New("rabbitmq producer is closed")
	ErrNotConnected = errors.New("rabbitmq not connected")
)

type RabbitMQProducer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	cfg        config.RabbitMQConfig
	logger     *zap.Logger
	mu         sync.Mutex
	isClosed   bool
	reconnectC chan struct{}
	done       chan struct{}
}

var _ mq.Producer = (*RabbitMQProducer)(nil)

func NewRabbitMQProducer(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQProducer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq: url not configured")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	p := &RabbitMQProducer{
		cfg:        cfg,
		logger:     logger,
		reconnectC: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	// 后台连接，失败时由 Produce 触发重连
	go func() {
		p.logger.Info("Attempting initial RabbitMQ connection", zap.String("url", maskURL(cfg.URL)))
		if err := p.connect(); err != nil {
			p.logger.Warn("Initial RabbitMQ connection failed (will retry)", zap.Error(err))
			p.signalReconnect()
		}
	}()

	go p.handleReconnect()

	return p, nil
}

// connectionURL 把 virtual host 拼入 URL，以 / 开头的 vhost 需转义为 %2f
func connectionURL(rawURL, vhost string) string {
	if vhost == "" {
		return rawURL
	}
	if strings.HasPrefix(vhost, "/") {
		vhost = "%2f" + vhost[1:]
	}

	rest := rawURL
	scheme := ""
	if i := strings.Index(rawURL, "://"); i >= 0 {
		scheme, rest = rawURL[:i+3], rawURL[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return scheme + rest + "/" + vhost
}

func maskURL(rawURL string) string {
	u, err := amqp.ParseURI(rawURL)
	if err != nil {
		return rawURL
	}
	u.Password = "******"
	return u.String()
}

func (p *RabbitMQProducer) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return ErrClosed
	}

	connURL := connectionURL(p.cfg.URL, p.cfg.VirtualHost)
	p.logger.Debug("Connecting to RabbitMQ", zap.String("url", maskURL(connURL)))
	conn, err := amqp.Dial(connURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := p.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.ch = ch

	go func() {
		<-conn.NotifyClose(make(chan *amqp.Error, 1))
		p.signalReconnect()
	}()

	p.logger.Info("Connected to RabbitMQ", zap.String("exchange", p.cfg.Exchange))
	return nil
}

// declare 声明 topic exchange (routing key 形如 gauge.sample / gauge.phase_event)，
// 配置了队列名时声明持久队列并绑定，绑定键缺省为 gauge.#
func (p *RabbitMQProducer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	if p.cfg.QueueName == "" {
		return nil
	}

	q, err := ch.QueueDeclare(p.cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", p.cfg.QueueName, err)
	}
	bindKey := p.cfg.RoutingKey
	if bindKey == "" {
		bindKey = "gauge.#"
	}
	if err := ch.QueueBind(q.Name, bindKey, p.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", q.Name, p.cfg.Exchange, err)
	}
	p.logger.Debug("RabbitMQ queue bound",
		zap.String("queue", q.Name),
		zap.String("exchange", p.cfg.Exchange),
		zap.String("routing_key", bindKey))
	return nil
}

func (p *RabbitMQProducer) signalReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	select {
	case p.reconnectC <- struct{}{}:
	default:
	}
}

func (p *RabbitMQProducer) handleReconnect() {
	for {
		select {
		case <-p.done:
			return
		case <-p.reconnectC:
		}

		p.logger.Warn("RabbitMQ connection lost, attempting to reconnect...")
		for {
			err := p.connect()
			if err == nil {
				p.logger.Info("Reconnected to RabbitMQ")
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
			select {
			case <-p.done:
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// publishing 构造消息体，key 为空时使用配置的 routing key
func (p *RabbitMQProducer) publishing(key string, data interface{}) (string, amqp.Publishing, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("failed to marshal data: %w", err)
	}
	routingKey := p.cfg.RoutingKey
	if key != "" {
		routingKey = key
	}
	return routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         strings.TrimPrefix(routingKey, "gauge."),
		Body:         body,
		Timestamp:    time.Now(),
	}, nil
}

// Produce sends data to the exchange. topic is ignored: RabbitMQ routes by key.
func (p *RabbitMQProducer) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.ch == nil || p.ch.IsClosed() {
		p.mu.Unlock()
		p.signalReconnect()
		return ErrNotConnected
	}
	ch := p.ch
	p.mu.Unlock()

	routingKey, msg, err := p.publishing(key, data)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	p.logger.Debug("Published message to RabbitMQ",
		zap.String("exchange", p.cfg.Exchange),
		zap.String("routing_key", routingKey))
	return nil
}

func (p *RabbitMQProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	p.isClosed = true
	close(p.done)
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
