package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"aflrunner/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConnectionPoolSize = 2
)

var ErrNoConnection = errors.New("no active RabbitMQ connections")

type RabbitMQ interface {
	GetChannel() *amqp.Channel
	PublishJSON(ctx context.Context, queue string, v any) error
}

type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqUrl string
	context     context.Context
	connections []*MQConnection
	mu          sync.Mutex
}

type MQConnection struct {
	conn      *amqp.Connection
	closeChan chan *amqp.Error
	logger    *zap.Logger

	closed bool
	mu     sync.Mutex
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns a pooled RabbitMQ client, or nil when RABBITMQ_URL is unset.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	if p.Config.RabbitMQURL == "" {
		p.Logger.Debug("RABBITMQ_URL not set, crash events will not be published")
		return nil
	}

	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger.Named("mq"),
		rabbitmqUrl: p.Config.RabbitMQURL,
		context:     mqCtx,
		connections: make([]*MQConnection, 0, ConnectionPoolSize),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.logger.Debug("Initializing RabbitMQ connection pool", zap.Int("pool_size", ConnectionPoolSize))
			svc.mu.Lock()
			defer svc.mu.Unlock()
			// an unreachable broker only disables publishing; each publish retries
			if err := svc.fill(); err != nil {
				svc.logger.Warn("RabbitMQ unreachable, events will be dropped until it is back", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return svc
}

func (r *rabbitMQImpl) getActiveConnection() (*MQConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fill(); err != nil {
		r.logger.Error("Failed to create new RabbitMQ connection", zap.Error(err))
	}
	if len(r.connections) == 0 {
		return nil, ErrNoConnection
	}
	return r.connections[rand.IntN(len(r.connections))], nil
}

// fill drops closed connections and dials until the pool is full or a dial fails.
// r.mu must be held.
func (r *rabbitMQImpl) fill() error {
	live := r.connections[:0]
	for _, c := range r.connections {
		if !c.isClosed() {
			live = append(live, c)
		}
	}
	r.connections = live

	for len(r.connections) < ConnectionPoolSize {
		mConn, err := r.newMQConnection()
		if err != nil {
			return err
		}
		r.connections = append(r.connections, mConn)
	}
	return nil
}

func (r *rabbitMQImpl) newMQConnection() (*MQConnection, error) {
	conn, err := amqp.Dial(r.rabbitmqUrl)
	if err != nil {
		return nil, err
	}

	mConn := &MQConnection{
		conn:      conn,
		closeChan: make(chan *amqp.Error, 1),
		logger:    r.logger,
	}

	go mConn.monitor(r.context)

	return mConn, nil
}

func (c *MQConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// monitor blocks until the connection drops or ctx is done.
func (c *MQConnection) monitor(ctx context.Context) {
	c.conn.NotifyClose(c.closeChan)

	select {
	case err := <-c.closeChan:
		c.logger.Error("RabbitMQ connection closed", zap.Error(err))
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func (r *rabbitMQImpl) GetChannel() *amqp.Channel {
	conn, err := r.getActiveConnection()
	if err != nil {
		r.logger.Error("Failed to get RabbitMQ channel", zap.Error(err))
		return nil
	}

	ch, err := conn.conn.Channel()
	if err != nil {
		r.logger.Error("Failed to create RabbitMQ channel", zap.Error(err))
		return nil
	}

	return ch
}

// PublishJSON declares queue as durable and publishes v as a persistent JSON message.
func (r *rabbitMQImpl) PublishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ch := r.GetChannel()
	if ch == nil {
		return ErrNoConnection
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
