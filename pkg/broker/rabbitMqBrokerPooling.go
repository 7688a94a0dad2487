package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

func newPooledChannel(conn *amqp.Connection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// awaitConfirm blocks until the broker confirms the last publish on this channel.
func (p *pooledChannel) awaitConfirm(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.notifyClose:
		return fmt.Errorf("channel closed before confirm: %v", err)
	case confirm, ok := <-p.confirms:
		if !ok {
			return errors.New("confirm stream closed")
		}
		if !confirm.Ack {
			return fmt.Errorf("broker nacked delivery tag %d", confirm.DeliveryTag)
		}
		return nil
	}
}

func newConnection(settings *config.BrokerSettings, logger *zap.Logger) (*amqp.Connection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Log close notifications; the reconnect ticker does the recovery
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop the previous connection before dialing again
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(r.settings, r.logger)
	if err != nil {
		return err
	}
	r.connection = connection

	// Channels of the old connection are useless, callers waiting on the old pool see it closed
	close(r.channelPool)
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	// Declare the topic exchange on a throwaway channel
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	err = channel.ExchangeDeclare(
		r.settings.Exchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.settings.Exchange, err)
	}

	// Refill the pool with confirm-mode channels
	for i := 0; i < r.settings.PoolSize; i++ {
		pooledChan, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooledChan
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized",
		zap.String("exchange", r.settings.Exchange), zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if lost {
				r.logger.Info("attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		r.mu.Lock()
		pool, conn := r.channelPool, r.connection
		r.mu.Unlock()

		select {
		case pooledChan, ok := <-pool:
			// a closed pool means Close or a reconnect replaced it
			if !ok {
				return nil, errors.New("channel pool closed")
			}
			select {
			case err := <-pooledChan.notifyClose:
				// closed while pooled, discard it
				r.logger.Debug("discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// pool is empty, open an extra channel
			if conn == nil || conn.IsClosed() {
				return nil, errors.New("rabbitmq connection is closed")
			}
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	// A closed channel never goes back to the pool
	select {
	case err := <-pooledChan.notifyClose:
		r.logger.Debug("discarding closed channel", zap.Error(err))
		return
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// pool is full
		pooledChan.channel.Close()
	}
}
