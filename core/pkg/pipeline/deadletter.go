package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/envelope"
)

// DeadLetter is the diagnostic record enqueued on <queue>_error once the
// retry and redelivery ladders are exhausted, or immediately for permanent
// faults.
type DeadLetter struct {
	Queue       string           `json:"queue"`
	Host        string           `json:"host"`
	MessageID   string           `json:"messageId"`
	MessageType string           `json:"messageType"`
	Headers     envelope.Headers `json:"headers"`
	Payload     json.RawMessage  `json:"payload"`
	Error       string           `json:"error"`
	RetryCount  int              `json:"x-retry-count"`
	Redelivered int              `json:"x-redelivery"`
	FailedAt    time.Time        `json:"failedAt"`
}

func (p *Pipeline) deadletter(ctx context.Context, d *contracts.Delivery, retryCount int, cause error) {
	host, _ := os.Hostname()
	record := DeadLetter{
		Queue:       d.Queue,
		Host:        host,
		MessageID:   d.Envelope.MessageID,
		MessageType: d.Envelope.MessageType,
		Headers:     d.Envelope.Headers,
		Payload:     d.Envelope.Message,
		Error:       cause.Error(),
		RetryCount:  retryCount,
		Redelivered: d.Envelope.Headers.Redelivery,
		FailedAt:    time.Now().UTC(),
	}

	env, err := envelope.New(envelope.TypePublish, p.cluster, d.Envelope.TypeName(), record)
	if err != nil {
		p.logger.WithError(err).Error("deadletter encode failed", "messageId", d.Envelope.MessageID)
	} else if err := p.transport.SendToQueue(ctx, contracts.ErrorQueueName(d.Queue), env); err != nil {
		p.logger.WithError(err).Error("deadletter publish failed", "messageId", d.Envelope.MessageID)
	} else {
		p.logger.Error("message deadlettered",
			"messageId", d.Envelope.MessageID,
			"messageType", d.Envelope.TypeName(),
			"error", cause.Error(),
			"retries", retryCount)
	}

	if ackErr := d.Ack(); ackErr != nil {
		p.logger.WithError(ackErr).Error("ack after deadletter failed")
	}
}
