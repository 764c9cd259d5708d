package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fanout/internal/transport"
)

// flappingBus simulates a broker that drops live subscriptions and then
// rejects the first resubscribe attempts. Dropped subscriptions surface to
// the consumer as a closed channel, the same way a real transport reports a
// lost subscription.
type flappingBus struct {
	*transport.MemoryPubSub
	mu    sync.Mutex
	fails int
	drops []func()
}

func (f *flappingBus) Subscribe(topic string) (<-chan transport.Message, func(), error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, nil, errors.New("broker unavailable")
	}
	f.mu.Unlock()

	inner, cancel, err := f.MemoryPubSub.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan transport.Message, 64)
	lost := make(chan struct{})
	var once sync.Once
	drop := func() { once.Do(func() { close(lost) }) }
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-inner:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-lost:
					return
				}
			case <-lost:
				return
			}
		}
	}()

	f.mu.Lock()
	f.drops = append(f.drops, drop)
	f.mu.Unlock()
	return out, func() { drop(); cancel() }, nil
}

// dropSubscriptions severs every live subscription and makes the next
// `fails` Subscribe calls error before the broker comes back.
func (f *flappingBus) dropSubscriptions(fails int) {
	f.mu.Lock()
	drops := f.drops
	f.drops = nil
	f.fails = fails
	f.mu.Unlock()
	for _, drop := range drops {
		drop()
	}
}

func TestDispatcherResubscribesAfterSubscriptionLoss(t *testing.T) {
	bus := &flappingBus{MemoryPubSub: transport.NewMemoryPubSub()}

	proxies := startReplicas(t, bus, []string{"w1", "w2"}, func(b *Broadcaster, workerID string) *Proxy {
		p, err := b.Decorate("get_log_level", func(ctx context.Context, call *Call) (any, error) {
			return "INFO", nil
		}, true, WithExpectedAnswers(2))
		require.NoError(t, err)
		return p
	})

	// Two replicas with two topics each: sever all four subscriptions and
	// make each first retry fail, so recovery takes at least one backoff
	// round per topic.
	bus.dropSubscriptions(4)

	require.Eventually(t, func() bool {
		answers, err := proxies[0].Call(context.Background())
		return err == nil && len(answers) == 2
	}, 10*time.Second, 50*time.Millisecond, "broadcasts should gather again once the dispatchers resubscribe")
}

func TestUndecodableMessageIsDroppedAndLoopContinues(t *testing.T) {
	bus := transport.NewMemoryPubSub()

	proxies := startReplicas(t, bus, []string{"w1"}, func(b *Broadcaster, workerID string) *Proxy {
		p, err := b.Decorate("get_log_level", func(ctx context.Context, call *Call) (any, error) {
			return "INFO", nil
		}, true, WithExpectedAnswers(1))
		require.NoError(t, err)
		return p
	})

	// Garbage on both topics ahead of the real call. The consume loop must
	// drop it and keep going.
	require.NoError(t, bus.Publish("test.get_log_level", []byte("!! not json")))
	require.NoError(t, bus.Publish("test.answers", []byte(`{"v":1,"kind":"answer"}`)))

	answers, err := proxies[0].Call(context.Background())
	require.NoError(t, err)
	require.Len(t, answers, 1)

	var level string
	require.NoError(t, answers[0].DecodeResult(&level))
	require.Equal(t, "INFO", level)
}

func TestStopDeadlineCancelsInFlightHandlers(t *testing.T) {
	bus := transport.NewMemoryPubSub()
	var sawCancel atomic.Bool

	b := New(bus, WithWorkerID("w1"), WithPrefix("test."))
	_, err := b.Decorate("wedge", func(ctx context.Context, call *Call) (any, error) {
		// Holds until its context is cancelled, so it is guaranteed to
		// outlive the grace period below.
		<-ctx.Done()
		sawCancel.Store(true)
		return nil, ctx.Err()
	}, false)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	other := New(bus, WithWorkerID("w2"), WithPrefix("test."))
	otherProxy, err := other.Decorate("wedge", func(ctx context.Context, call *Call) (any, error) { return nil, nil }, false)
	require.NoError(t, err)
	_, err = otherProxy.Call(context.Background())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond) // let the dispatcher pick the call up

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Stop(ctx), context.DeadlineExceeded)

	// Stop cancels the handler context on its way out; the wedged handler
	// must observe that and unwind.
	require.Eventually(t, func() bool { return sawCancel.Load() },
		time.Second, 10*time.Millisecond, "handler should see cancellation after the grace period")
}
