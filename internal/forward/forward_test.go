package forward_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Narjhan-ng/insurance-crm/internal/forward"
	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
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

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type policyCancelled struct {
	PolicyID string `json:"policy_id"`
}

func (policyCancelled) EventType() string { return "PolicyCancelled" }

func TestForwarderWritesEnvelope(t *testing.T) {
	w := &fakeWriter{}
	f := forward.New(w)
	evt, err := event.New("policy", "pol-1", policyCancelled{PolicyID: "pol-1"})
	require.NoError(t, err)

	assert.Empty(t, f.Handles())
	assert.Equal(t, "event:"+evt.ID, f.DedupKey(evt))

	out, err := f.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "policy:pol-1", string(msg.Key))
	assert.True(t, msg.Time.Equal(evt.OccurredAt))
	assert.Equal(t, []kafka.Header{
		{Key: forward.HeaderEventType, Value: []byte("PolicyCancelled")},
		{Key: forward.HeaderCorrelationID, Value: []byte(evt.Metadata.CorrelationID)},
	}, msg.Headers)

	decoded, err := event.Unmarshal(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)

	require.NoError(t, f.Close())
	assert.True(t, w.closed)
}

func TestForwarderFailureIsRetryable(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	evt, err := event.New("policy", "pol-1", policyCancelled{PolicyID: "pol-1"})
	require.NoError(t, err)

	_, err = forward.New(w).Handle(context.Background(), evt)
	require.Error(t, err)
	assert.True(t, bberrors.IsRetryable(err))
}

func TestNewWriterValidates(t *testing.T) {
	_, err := forward.NewWriter(forward.Config{Topic: "audit"})
	assert.Error(t, err)
	_, err = forward.NewWriter(forward.Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	w, err := forward.NewWriter(forward.Config{Brokers: []string{"localhost:9092"}, Topic: "insurance.audit"})
	require.NoError(t, err)
	assert.Equal(t, "insurance.audit", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
