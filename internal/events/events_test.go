package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stagetrack/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
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

func testEvent() model.ItemMovedEvent {
	return model.ItemMovedEvent{
		EventID:        "evt-1",
		OrganizationID: "org-1",
		ItemID:         "item-1",
		Operation:      model.OperationRework,
		From:           model.Position{StageID: "st-b", SubStageID: "sub-1"},
		To:             model.Position{StageID: "st-a"},
		ReworkReason:   "loose seam",
		UserID:         "user-1",
		OccurredAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewKafkaPublisher_validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "item-moves"})
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "item-moves"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestKafkaPublisher_PublishItemMoved(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "item-moves"}, w)

	require.NoError(t, p.PublishItemMoved(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "item-1", string(msg.Key))
	assert.Equal(t, testEvent().OccurredAt, msg.Time)
	assert.Contains(t, msg.Headers, kafka.Header{Key: HeaderEventType, Value: []byte(EventTypeItemMoved)})
	assert.Contains(t, msg.Headers, kafka.Header{Key: HeaderOrganizationID, Value: []byte("org-1")})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "rework", decoded["operation"])
	assert.Equal(t, "loose seam", decoded["rework_reason"])
	assert.Equal(t, map[string]any{"stage_id": "st-a", "sub_stage_id": nil}, decoded["to_position"])
}

func TestKafkaPublisher_writeError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "item-moves"}, &fakeWriter{err: boom})

	err := p.PublishItemMoved(context.Background(), testEvent())
	assert.ErrorIs(t, err, boom)
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "item-moves"}, w)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_HealthCheck_unreachable(t *testing.T) {
	p := newKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "item-moves"}, &fakeWriter{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, p.HealthCheck(ctx))
}

func TestCollector(t *testing.T) {
	c := NewCollector(2)
	for _, id := range []string{"a", "b", "c"} {
		e := testEvent()
		e.ItemID = id
		require.NoError(t, c.PublishItemMoved(context.Background(), e))
	}

	got := c.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ItemID)
	assert.Equal(t, "c", got[1].ItemID)

	got[0].ItemID = "mutated"
	assert.Equal(t, "b", c.Events()[0].ItemID)
	assert.NoError(t, c.HealthCheck(context.Background()))
}
