package kafkaq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/septivank/meter-sync/internal/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	written []kafka.Message
	err     error
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "meter-sync.events", zap.NewNop())
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), taskqueue.Message{
		ID:        17,
		Type:      "reading.superseded",
		Key:       "6f0e8c2a-4b1d-4e3f-a5c7-9d8b1a2c3e4f",
		Body:      []byte(`{"event_id":"e"}`),
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.Len(t, w.written, 1)

	m := w.written[0]
	assert.Equal(t, "6f0e8c2a-4b1d-4e3f-a5c7-9d8b1a2c3e4f", string(m.Key))
	assert.Equal(t, `{"event_id":"e"}`, string(m.Value))
	assert.Equal(t, created, m.Time)
	assert.Equal(t, "17", header(m, HeaderMessageID))
	assert.Equal(t, "reading.superseded", header(m, HeaderEventType))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: kafka.LeaderNotAvailable}
	p := newProducer(w, "meter-sync.events", zap.NewNop())

	err := p.Publish(context.Background(), taskqueue.Message{ID: 3, Type: "reading.accepted"})
	assert.True(t, errors.Is(err, kafka.LeaderNotAvailable))
	assert.ErrorContains(t, err, "message 3")
}
