package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tabesh/internal/events"
	"tabesh/internal/logger"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error { return nil }

func TestProducerRoutesByEventType(t *testing.T) {
	w := new(MockWriter)
	p := &Producer{Writer: w, OrdersTopic: "tabesh.orders", FilesTopic: "tabesh.files", Logger: logger.Nop()}

	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && msgs[0].Topic == "tabesh.orders" && string(msgs[0].Key) == "12"
	})).Return(nil).Once()
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && msgs[0].Topic == "tabesh.files"
	})).Return(errors.New("broker down")).Once()

	require.NoError(t, p.Publish(context.Background(), events.New(events.OrderCreated, 12)))
	err := p.Publish(context.Background(), events.New(events.FileUploaded, 12))
	assert.ErrorContains(t, err, "broker down")
	w.AssertExpectations(t)
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerDeliversAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, _ := json.Marshal(events.New(events.OrderStatusChanged, 5))
	failing, _ := json.Marshal(events.New(events.OrderDeleted, 6))
	r := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: good},
			{Offset: 2, Value: []byte("not json")},
			{Offset: 3, Value: failing},
		},
	}
	c := NewConsumerWithReader(r, "tabesh.orders", logger.Nop())
	c.Retries, c.Backoff = 2, time.Millisecond

	var seen []string
	err := c.Start(ctx, func(_ context.Context, e events.Event) error {
		seen = append(seen, e.Type)
		if e.Type == events.OrderDeleted {
			return errors.New("handler failed")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{events.OrderStatusChanged, events.OrderDeleted, events.OrderDeleted, events.OrderDeleted}, seen)
	assert.Equal(t, []int64{1, 2, 3}, r.committed, "a message that keeps failing is dropped, not left behind later offsets")
}

func TestConsumerRetriesTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, _ := json.Marshal(events.New(events.FileApproved, 8))
	r := &fakeReader{cancel: cancel, msgs: []kafka.Message{{Offset: 4, Value: value}}}
	c := NewConsumerWithReader(r, "tabesh.files", logger.Nop())
	c.Backoff = time.Millisecond

	calls := 0
	err := c.Start(ctx, func(context.Context, events.Event) error {
		calls++
		if calls == 1 {
			return errors.New("emitter busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{4}, r.committed)
}
