// Package notify publishes margin-guard notifications to the delivery
// pipeline over Kafka. Delivery itself (email, telegram, push) is a
// separate consumer; this side is best-effort and never fails an
// evaluation.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/internal/queue"
	"github.com/bitguard/marginguard/pkg/models"
)

// Notification types emitted by the margin guard.
const (
	TypeTriggerAlert      = "marginguard.trigger_alert"
	TypeMitigationOutcome = "marginguard.mitigation_outcome"
	TypeMitigationError   = "marginguard.mitigation_error"
)

const errorNotificationJob = "error-notification"

// errorNotificationDelay spaces the failure alert out from the burst of
// trigger traffic so the user sees the outcome first.
const errorNotificationDelay = 5 * time.Second

// Preferences resolves the channels a user has opted into.
type Preferences interface {
	ListEnabled(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// messageWriter is the slice of kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds the production writer for the notifications
// topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Publisher fans notifications out to a user's enabled channels.
type Publisher struct {
	writer     messageWriter
	prefs      Preferences
	store      queue.Store
	errorDelay time.Duration
	logger     *zap.Logger
}

// NewPublisher creates a Publisher. store may be nil when delayed error
// notifications are not needed (tests).
func NewPublisher(writer messageWriter, prefs Preferences, store queue.Store, logger *zap.Logger) *Publisher {
	return &Publisher{
		writer:     writer,
		prefs:      prefs,
		store:      store,
		errorDelay: errorNotificationDelay,
		logger:     logger,
	}
}

// Notify publishes one notification per enabled channel. Failures are
// logged and swallowed; the caller's work never depends on delivery.
func (p *Publisher) Notify(ctx context.Context, userID uuid.UUID, notifType, message string, metadata map[string]string) {
	channels, err := p.prefs.ListEnabled(ctx, userID)
	if err != nil {
		p.logger.Warn("failed to resolve notification channels",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if len(channels) == 0 {
		return
	}

	msgs := make([]kafka.Message, 0, len(channels))
	for _, channel := range channels {
		n := models.Notification{
			UserID:   userID,
			Type:     notifType,
			Channel:  channel,
			Message:  message,
			Metadata: metadata,
		}
		data, err := json.Marshal(n)
		if err != nil {
			p.logger.Warn("failed to marshal notification", zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(userID.String()),
			Value: data,
		})
	}
	if len(msgs) == 0 {
		return
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Warn("failed to publish notifications",
			zap.String("user_id", userID.String()),
			zap.String("type", notifType),
			zap.Int("channels", len(msgs)),
			zap.Error(err))
	}
}

// NotifyErrorDelayed parks a mitigation-failure alert on the execution
// queue with a short delay and low priority.
func (p *Publisher) NotifyErrorDelayed(ctx context.Context, userID uuid.UUID, message string, metadata map[string]string) {
	if p.store == nil {
		p.Notify(ctx, userID, TypeMitigationError, message, metadata)
		return
	}

	payload := errorNotificationPayload{
		UserID:   userID,
		Message:  message,
		Metadata: metadata,
	}
	job, err := queue.NewJob(queue.QueueExecution, errorNotificationJob, payload, queue.Options{
		Delay:       p.errorDelay,
		Priority:    -1,
		MaxAttempts: 2,
	})
	if err != nil {
		p.logger.Warn("failed to build error notification job", zap.Error(err))
		return
	}
	if err := p.store.Enqueue(ctx, job); err != nil {
		p.logger.Warn("failed to enqueue error notification",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// RegisterHandlers binds the delayed error-notification job to a
// worker draining the execution queue.
func (p *Publisher) RegisterHandlers(w *queue.Worker) {
	w.Register(errorNotificationJob, func(ctx context.Context, job *queue.Job) error {
		var payload errorNotificationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		p.Notify(ctx, payload.UserID, TypeMitigationError, payload.Message, payload.Metadata)
		return nil
	})
}

type errorNotificationPayload struct {
	UserID   uuid.UUID         `json:"user_id"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
