// Package worker runs sweeps on demand from Pub/Sub messages, so a cloud
// scheduler can drive them without the API process.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
)

// TaskRunner runs a named sweep to completion.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) (map[string]interface{}, error)
}

// SweepMessage is the message body, e.g. {"task": "erasure-purge"}.
type SweepMessage struct {
	Task string `json:"task"`
}

// Outcome says what to do with a message.
type Outcome int

const (
	Ack Outcome = iota
	Nack
)

// Handler turns a message into a sweep run. It holds no Pub/Sub state.
type Handler struct {
	runner  TaskRunner
	timeout time.Duration
	logger  *zap.Logger
}

func NewHandler(runner TaskRunner, timeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{runner: runner, timeout: timeout, logger: logger.With(zap.String("component", "sweep_worker"))}
}

// Process runs the sweep a message names. Malformed messages and unknown
// tasks are acked so they are not redelivered forever; failed sweeps are
// nacked for another attempt.
func (h *Handler) Process(ctx context.Context, id string, data []byte) Outcome {
	logger := h.logger.With(zap.String("message_id", id))

	var msg SweepMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Task == "" {
		logger.Warn("dropping malformed sweep message", zap.ByteString("data", data), zap.Error(err))
		return Ack
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	summary, err := h.runner.RunNow(ctx, msg.Task)
	switch {
	case errors.IsType(err, errors.ErrorTypeNotFound):
		logger.Warn("dropping message for unknown sweep task", zap.String("task", msg.Task))
		return Ack
	case err != nil:
		logger.Error("sweep failed, message will be redelivered", zap.String("task", msg.Task), zap.Error(err))
		return Nack
	}
	logger.Info("sweep completed", zap.String("task", msg.Task), zap.Any("summary", summary))
	return Ack
}

// PubSubTrigger receives sweep messages from a subscription.
type PubSubTrigger struct {
	client       *pubsub.Client
	subscriber   *pubsub.Subscriber
	subscription string
	handler      *Handler
	logger       *zap.Logger
}

func NewPubSubTrigger(ctx context.Context, cfg config.PubSubConfig, handler *Handler, logger *zap.Logger) (*PubSubTrigger, error) {
	if cfg.ProjectID == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("pubsub project_id and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	subscriber := client.Subscriber(cfg.Subscription)
	// Sweeps take per-principal locks; one at a time per worker is enough.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 1
	subscriber.ReceiveSettings.MaxExtension = 30 * time.Minute

	return &PubSubTrigger{
		client:       client,
		subscriber:   subscriber,
		subscription: cfg.Subscription,
		handler:      handler,
		logger:       logger,
	}, nil
}

// Run blocks receiving messages until ctx is cancelled.
func (t *PubSubTrigger) Run(ctx context.Context) error {
	t.logger.Info("receiving sweep triggers", zap.String("subscription", t.subscription))
	return t.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if t.handler.Process(ctx, msg.ID, msg.Data) == Nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (t *PubSubTrigger) Close() error {
	return t.client.Close()
}
