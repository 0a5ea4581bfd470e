package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitguard/marginguard/internal/queue"
	"github.com/bitguard/marginguard/pkg/models"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]kafka.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

type fakePrefs struct {
	channels []string
	err      error
}

func (p *fakePrefs) ListEnabled(context.Context, uuid.UUID) ([]string, error) {
	return p.channels, p.err
}

func TestPublisher_NotifyFansOutPerChannel(t *testing.T) {
	writer := &fakeWriter{}
	prefs := &fakePrefs{channels: []string{"email", "telegram"}}
	p := NewPublisher(writer, prefs, nil, zap.NewNop())

	userID := uuid.New()
	p.Notify(context.Background(), userID, TypeTriggerAlert, "margin threshold crossed", map[string]string{
		"symbol": "BTC-PERP",
	})

	msgs := writer.messages()
	require.Len(t, msgs, 2)

	seen := map[string]bool{}
	for _, msg := range msgs {
		assert.Equal(t, userID.String(), string(msg.Key))
		var n models.Notification
		require.NoError(t, json.Unmarshal(msg.Value, &n))
		assert.Equal(t, TypeTriggerAlert, n.Type)
		assert.Equal(t, "BTC-PERP", n.Metadata["symbol"])
		seen[n.Channel] = true
	}
	assert.True(t, seen["email"] && seen["telegram"])
}

func TestPublisher_NotifySwallowsWriterErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	p := NewPublisher(writer, &fakePrefs{channels: []string{"email"}}, nil, zap.NewNop())

	// Must not panic or surface the error.
	p.Notify(context.Background(), uuid.New(), TypeMitigationOutcome, "closed", nil)
}

func TestPublisher_NotifySkipsUsersWithoutChannels(t *testing.T) {
	writer := &fakeWriter{}
	p := NewPublisher(writer, &fakePrefs{}, nil, zap.NewNop())

	p.Notify(context.Background(), uuid.New(), TypeTriggerAlert, "hello", nil)
	assert.Empty(t, writer.messages())
}

func TestPublisher_NotifyErrorDelayedGoesThroughQueue(t *testing.T) {
	writer := &fakeWriter{}
	store := queue.NewMemoryStore(queue.Retention{Completed: 10, Failed: 10})
	p := NewPublisher(writer, &fakePrefs{channels: []string{"email"}}, store, zap.NewNop())
	p.errorDelay = 50 * time.Millisecond

	userID := uuid.New()
	before := time.Now()
	p.NotifyErrorDelayed(context.Background(), userID, "add margin failed", nil)

	// Parked, not yet deliverable.
	job, err := store.Dequeue(context.Background(), queue.QueueExecution)
	require.NoError(t, err)
	assert.Nil(t, job, "error notification honors its delay")

	// Drain it through a worker once due.
	cfg := queue.WorkerConfig{Concurrency: 1, PollInterval: time.Millisecond, JobTimeout: time.Second}
	w := queue.NewWorker(store, queue.QueueExecution, cfg, zap.NewNop())
	p.RegisterHandlers(w)
	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(writer.messages()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(before), 50*time.Millisecond, "delivered no earlier than the delay")

	var n models.Notification
	require.NoError(t, json.Unmarshal(writer.messages()[0].Value, &n))
	assert.Equal(t, TypeMitigationError, n.Type)
	assert.Equal(t, userID, n.UserID)
}
