package eventbus

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(log.New(io.Discard, "", 0))
}

func TestBus_PublishDeliversInOrderPerSubscription(t *testing.T) {
	b := newTestBus()
	var mu sync.Mutex
	var got []int

	done := make(chan struct{})
	count := 0
	b.Subscribe(context.Background(), CandleClosed, func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: CandleClosed, Payload: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed all 5 events")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestBus_FilterNarrowsDelivery(t *testing.T) {
	b := newTestBus()
	var received int32

	b.Subscribe(context.Background(), SignalGenerated, func(_ context.Context, ev Event) {
		atomic.AddInt32(&received, 1)
	}, func(ev Event) bool {
		return ev.Payload.(string) == "keep"
	})

	b.Publish(Event{Type: SignalGenerated, Payload: "drop"})
	b.Publish(Event{Type: SignalGenerated, Payload: "keep"})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := newTestBus()
	var received int32

	sub := b.Subscribe(context.Background(), PositionOpened, func(_ context.Context, ev Event) {
		atomic.AddInt32(&received, 1)
	}, nil)

	b.Publish(Event{Type: PositionOpened, Payload: 1})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 5*time.Millisecond)

	sub.Cancel()
	time.Sleep(20 * time.Millisecond)
	b.Publish(Event{Type: PositionOpened, Payload: 2})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&received), "a cancelled subscription must not receive further events")
}

func TestBus_HandlerPanicDoesNotAffectOtherSubscriptions(t *testing.T) {
	b := newTestBus()
	var otherReceived int32

	b.Subscribe(context.Background(), OrderRejected, func(_ context.Context, ev Event) {
		panic("boom")
	}, nil)
	b.Subscribe(context.Background(), OrderRejected, func(_ context.Context, ev Event) {
		atomic.AddInt32(&otherReceived, 1)
	}, nil)

	b.Publish(Event{Type: OrderRejected, Payload: nil})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&otherReceived) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_PublishDropsOnFullChannelWithoutBlocking(t *testing.T) {
	b := newTestBus()
	block := make(chan struct{})

	b.Subscribe(context.Background(), OrderFilled, func(ctx context.Context, ev Event) {
		<-block // first handler call blocks until we release it
	}, nil)

	// Flood well past the channel depth; Publish must never block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultChannelDepth+10; i++ {
			b.Publish(Event{Type: OrderFilled, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked despite OverflowDropNewest")
	}
	close(block)
}
