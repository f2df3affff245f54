package app

import (
	"context"
	"log/slog"

	"github.com/transfa/netting-service/pkg/rabbitmq"
)

// eventEmitter publishes lifecycle events. Publishing is best effort: the state change has
// already been committed when an event is emitted, so a broker failure is only logged.
type eventEmitter struct {
	producer rabbitmq.Publisher
	exchange string
	logger   *slog.Logger
}

func newEventEmitter(producer rabbitmq.Publisher, exchange string, logger *slog.Logger) eventEmitter {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if exchange == "" {
		exchange = "netting.events"
	}
	return eventEmitter{producer: producer, exchange: exchange, logger: logger}
}

func (e eventEmitter) emit(ctx context.Context, routingKey string, payload interface{}) {
	if err := e.producer.Publish(ctx, e.exchange, routingKey, payload); err != nil {
		e.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}
