package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func run(t *testing.T, c *Consumer, h Handler, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx, h) }()

	require.Eventually(t, until, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestWorkerForIsStable(t *testing.T) {
	for _, key := range []string{"o1", "o2", "", "some-order-id"} {
		w := workerFor([]byte(key), 4)
		assert.GreaterOrEqual(t, w, 0)
		assert.Less(t, w, 4)
		assert.Equal(t, w, workerFor([]byte(key), 4))
	}
}

func TestConsumerKeepsPerKeyOrder(t *testing.T) {
	const perKey = 25
	keys := []string{"o1", "o2", "o3", "o4", "o5"}

	var msgs []kafka.Message
	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			msgs = append(msgs, kafka.Message{Key: []byte(k), Offset: int64(len(msgs)), Value: []byte(fmt.Sprint(i))})
		}
	}
	reader := newFakeReader(msgs...)
	c := newConsumer(reader, 4, nil)

	var (
		mu   sync.Mutex
		seen = map[string][]int64{}
	)
	h := func(_ context.Context, m kafka.Message) error {
		time.Sleep(time.Duration(m.Offset%3) * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		seen[string(m.Key)] = append(seen[string(m.Key)], m.Offset)
		return nil
	}
	run(t, c, h, func() bool { return reader.commits() == len(msgs) })

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		got := seen[k]
		require.Len(t, got, perKey, k)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "key %s handled out of order", k)
		}
	}
	assert.True(t, reader.closed)
}

func TestConsumerRetriesFailedMessageBeforeCommit(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Key: []byte("o1"), Offset: 0},
		kafka.Message{Key: []byte("o1"), Offset: 1},
	)
	c := newConsumer(reader, 2, nil)

	var (
		mu       sync.Mutex
		attempts = map[int64]int{}
		order    []int64
	)
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[m.Offset]++
		if m.Offset == 0 && attempts[0] == 1 {
			return errors.New("redis down")
		}
		order = append(order, m.Offset)
		return nil
	}
	run(t, c, h, func() bool { return reader.commits() == 2 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts[0])
	assert.Equal(t, []int64{0, 1}, order)
	assert.Equal(t, int64(0), reader.committed[0].Offset)
}
