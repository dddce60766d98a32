package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/BusBox/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CallsHandler(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []byte("k"), gotK)
	require.Equal(t, []byte("v"), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStops(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(k, v []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "t", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

type recordingApplier struct {
	got []messages.StateChanged
	err error
}

func (a *recordingApplier) ApplyStateChanged(ctx context.Context, msg messages.StateChanged) error {
	a.got = append(a.got, msg)
	return a.err
}

func TestStateChangedHandler(t *testing.T) {
	a, b := &recordingApplier{}, &recordingApplier{}
	h := StateChangedHandler(context.Background(), nil, a, b)

	require.NoError(t, h([]byte("trip:7"), []byte(`{"event_id":"e1","subject_type":"trip","subject_id":7,"field":"state","new_value":"boarding"}`)))
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	require.Equal(t, int64(7), a.got[0].SubjectID)
	require.Equal(t, "boarding", b.got[0].NewValue)

	require.NoError(t, h([]byte("x"), []byte("not json")))
	require.Len(t, a.got, 1)

	a.err = errors.New("cache down")
	err := h([]byte("trip:7"), []byte(`{"event_id":"e2","subject_type":"trip","subject_id":7,"new_value":"departed"}`))
	require.ErrorIs(t, err, a.err)
	require.Contains(t, err.Error(), "e2")
	require.Len(t, b.got, 1)
}
