package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	flushTimeoutMs          = 10000
	queueFullRetryDelay     = time.Second
	deliveryChannelCapacity = 1
)

// KafkaPublisher is a synchronous Kafka implementation of Publisher.
//
// Publish blocks until a delivery confirmation is received from Kafka. A
// background goroutine drains producer events and surfaces fatal errors on
// the Errors channel. Close MUST be called at least once to stop the
// goroutine and flush in-flight messages.
type KafkaPublisher struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka-backed Publisher. The provided context
// bounds the lifetime of the event-monitoring goroutine; callers must still
// call Close to flush messages and release resources.
func NewKafkaPublisher(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer:   p,
		log:        log,
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	go kp.monitorEvents(ctx)
	return kp, nil
}

// Publish synchronously publishes a message and waits for the delivery
// receipt. If the producer queue is full, the message is retried internally
// with a short delay. If the context is cancelled before confirmation the
// message MAY still be delivered; callers should design for duplicates when
// retrying.
func (q *KafkaPublisher) Publish(ctx context.Context, msg Msg) error {
	deliveryCh := make(chan kafka.Event, deliveryChannelCapacity)
	defer close(deliveryCh)

	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &msg.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   msg.Key,
		Value: msg.Value,
	}

	if err := q.produceWithRetry(ctx, kMsg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-deliveryCh:
		receipt, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %T", ev)
		}
		if err := receipt.TopicPartition.Error; err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		q.log.Debugf("delivered to topic [%s] partition [%d] at offset [%d]",
			msg.Topic, receipt.TopicPartition.Partition, receipt.TopicPartition.Offset)
		return nil
	}
}

// produceWithRetry enqueues a message, retrying while the local producer
// queue is full. Every other producer error is returned immediately.
func (q *KafkaPublisher) produceWithRetry(ctx context.Context, msg *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		kafkaErr, ok := err.(kafka.Error)
		if ok && kafkaErr.Code() == kafka.ErrQueueFull {
			q.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullRetryDelay):
			}
			continue
		}
		return fmt.Errorf("failed to produce: %w", err)
	}
}

// Close stops the event monitor and flushes all pending messages. Calling
// Close multiple times does nothing. If the context is cancelled while
// flushing, remaining messages may be lost.
func (q *KafkaPublisher) Close(ctx context.Context) {
	q.once.Do(func() {
		q.log.Info("closing kafka publisher")
		defer close(q.errCh)

		close(q.closedCh)
		<-q.eventsDone

		for q.producer.Flush(flushTimeoutMs) > 0 {
			select {
			case <-ctx.Done():
				q.log.Warn("context done, aborting producer flush; pending messages will be lost")
				q.producer.Close()
				return
			default:
				q.log.Warn("producer queue not flushed, retrying")
			}
		}

		q.producer.Close()
		q.log.Info("kafka publisher closed")
	})
}

// Errors returns a channel that receives at most one fatal producer error.
// Non-fatal Kafka errors are logged and ignored. After receiving an error the
// publisher is no longer usable.
func (q *KafkaPublisher) Errors() <-chan error {
	return q.errCh
}

func (q *KafkaPublisher) monitorEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.fail(fmt.Errorf("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					q.fail(fmt.Errorf("fatal kafka error: %#x: %w", e.Code(), e))
					return
				}
				q.log.Warnw("ignoring non-fatal kafka error", "code", e.Code(), "error", e)
			case *kafka.Message:
				// Delivery receipts are consumed on per-message channels;
				// anything arriving here was produced without one.
				if e.TopicPartition.Error != nil {
					q.log.Errorw("failed to deliver message", "partition", e.TopicPartition)
				}
			default:
				q.log.Debugf("ignoring kafka event: %v", e)
			}
		}
	}
}

func (q *KafkaPublisher) fail(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnw("error channel full, dropping", "error", err)
	}
}
