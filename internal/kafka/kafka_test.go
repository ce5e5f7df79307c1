package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	regkafka "ms-registration/internal/kafka"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msgs chan kafka.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

func TestProducer_PublishKeysByEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &regkafka.Producer{Writer: w, EventsTopic: "events", AlertsTopic: "alerts", Logger: logger.Nop()}

	ev := models.DomainEvent{EventID: "evt1", Kind: models.KindRegistrationApproved, OccupiedCountAfter: 4, SequenceNumber: 9}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "events", msg.Topic)
	assert.Equal(t, "evt1", string(msg.Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "RegistrationApproved", got["kind"])
	assert.Equal(t, float64(4), got["occupiedCountAfter"])
	assert.Equal(t, float64(9), got["sequenceNumber"])
	assert.Equal(t, "kafka", p.Name())
}

func TestProducer_ConsistencyFault(t *testing.T) {
	w := &fakeWriter{}
	p := &regkafka.Producer{Writer: w, EventsTopic: "events", AlertsTopic: "alerts", Logger: logger.Nop()}

	require.NoError(t, p.ConsistencyFault(context.Background(), "evt1", "floor breach"))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "alerts", w.msgs[0].Topic)

	var alert regkafka.ConsistencyAlert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &alert))
	assert.Equal(t, "evt1", alert.EventID)
	assert.Equal(t, "floor breach", alert.Detail)

	// Test case: writer errors propagate
	w.err = errors.New("broker down")
	assert.Error(t, p.ConsistencyFault(context.Background(), "evt1", "x"))
}

func TestConsumer_DispatchesAndSkipsMalformed(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	r.msgs <- kafka.Message{Value: []byte(`not json`)}
	r.msgs <- kafka.Message{Value: []byte(`{"userId":""}`)}
	r.msgs <- kafka.Message{Value: []byte(`{"userId":"u42"}`)}

	c := &regkafka.Consumer{Reader: r, Logger: logger.Nop()}
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		c.Start(ctx, func(_ context.Context, msg regkafka.UserChanged) error {
			got <- msg.UserID
			return nil
		})
		close(done)
	}()

	select {
	case id := <-got:
		assert.Equal(t, "u42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
