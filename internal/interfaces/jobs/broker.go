package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"contia/internal/infrastructure/queue"
)

// BrokerEnqueuer publishes jobs to the message broker, keyed by job kind.
type BrokerEnqueuer struct {
	producer *queue.Producer
}

func NewBrokerEnqueuer(producer *queue.Producer) *BrokerEnqueuer {
	return &BrokerEnqueuer{producer: producer}
}

func (e *BrokerEnqueuer) Enqueue(ctx context.Context, job Job) error {
	return e.producer.Publish(ctx, job.Kind, job)
}

// StartBrokerConsumer binds every registered job kind to the durable queue
// and feeds deliveries to the dispatcher. A delivery is acked once the
// dispatcher consumed it, dead-lettered or not; redelivery happens only for
// undecodable payloads, which are dropped instead.
func StartBrokerConsumer(consumer *queue.Consumer, dispatcher *Dispatcher, exchange, queueName string, logger *zap.Logger) error {
	kinds := dispatcher.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("no job kinds registered")
	}

	bindings := make(map[string]func([]byte) bool, len(kinds))
	for _, kind := range kinds {
		bindings[kind] = func(body []byte) bool {
			var job Job
			if err := json.Unmarshal(body, &job); err != nil {
				logger.Error("dropping undecodable job", zap.Error(err))
				return true
			}
			if err := dispatcher.Process(context.Background(), job); err != nil {
				logger.Error("job failed permanently", zap.String("job", job.ID), zap.Error(err))
			}
			return true
		}
	}

	return consumer.ConsumeWithBindings(exchange, queueName, bindings)
}
