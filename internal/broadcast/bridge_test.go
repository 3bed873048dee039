package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []string
	fail   bool
	closed bool
	block  chan struct{}
}

func (r *recorder) Send(msg []byte) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.msgs = append(r.msgs, string(msg))
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func newBridge(size int) *Bridge {
	return New(size, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func startBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	require.Eventually(t, b.running.Load, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPublishFansOutInOrder(t *testing.T) {
	b := newBridge(16)
	startBridge(t, b)

	a, c := &recorder{}, &recorder{}
	b.Connect(a)
	b.Connect(c)

	for i := 0; i < 5; i++ {
		b.Publish(map[string]int{"n": i})
	}

	want := []string{`{"n":0}`, `{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}
	require.Eventually(t, func() bool { return len(a.received()) == 5 && len(c.received()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.received())
	assert.Equal(t, want, c.received())
}

func TestFailingConsumerIsRemoved(t *testing.T) {
	b := newBridge(16)
	startBridge(t, b)

	good, bad := &recorder{}, &recorder{fail: true}
	b.Connect(good)
	b.Connect(bad)

	b.Publish("first")
	b.Publish("second")

	require.Eventually(t, func() bool { return len(good.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Consumers())
	bad.mu.Lock()
	assert.True(t, bad.closed)
	bad.mu.Unlock()
}

func TestDisconnectedConsumerMissesLaterMessages(t *testing.T) {
	b := newBridge(16)
	r := &recorder{}
	b.Connect(r)

	b.Publish("before")
	b.Disconnect(r)
	b.Publish("after")

	assert.Equal(t, []string{`"before"`}, r.received())
}

func TestSynchronousDeliveryWithoutLoop(t *testing.T) {
	b := newBridge(1)
	r := &recorder{}
	b.Connect(r)

	b.Publish("a")
	b.Publish("b")
	assert.Equal(t, []string{`"a"`, `"b"`}, r.received())
	assert.Zero(t, b.Dropped())
}

func TestSynchronousDeliveryFlushesQueuedMessages(t *testing.T) {
	b := newBridge(4)
	r := &recorder{}
	b.Connect(r)

	// left behind by a publish that raced the loop shutdown
	b.queue <- []byte(`"queued"`)

	b.Publish("next")
	assert.Equal(t, []string{`"queued"`, `"next"`}, r.received())
}

func TestStoppedLoopDeliversQueuedMessages(t *testing.T) {
	b := newBridge(16)
	r := &recorder{}
	b.Connect(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	require.Eventually(t, b.running.Load, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		b.Publish(i)
	}
	cancel()
	<-done
	b.Publish(3)

	assert.Equal(t, []string{"0", "1", "2", "3"}, r.received())
	assert.Empty(t, b.queue)
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestPublishNeverBlocksWhenQueueIsFull(t *testing.T) {
	b := newBridge(1)
	counter := &countingCounter{}
	b.SetDropCounter(counter)
	startBridge(t, b)

	slow := &recorder{block: make(chan struct{})}
	b.Connect(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}
	close(slow.block)

	assert.Greater(t, b.Dropped(), uint64(0))
	counter.mu.Lock()
	assert.Equal(t, int(b.Dropped()), counter.n)
	counter.mu.Unlock()
}
