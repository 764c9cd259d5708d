package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fanout/internal/transport"
)

const (
	defaultQueueSize = 256

	resubscribeBase = 250 * time.Millisecond
	resubscribeCap  = 5 * time.Second
)

// Dispatcher is the per-process subscriber loop. It consumes every
// registered channel plus the shared answer topic, executes local handlers
// for incoming calls, publishes their answers, and feeds incoming answers to
// the local correlator.
//
// Transport delivery is decoupled from handler execution: one pump goroutine
// per subscription forwards messages into a bounded queue, the drain loop
// decodes them, and each handler invocation runs in its own goroutine so a
// slow handler cannot delay answers for other in-flight calls.
type Dispatcher struct {
	bus      transport.PubSub
	reg      *Registry
	corr     *Correlator
	log      zerolog.Logger
	workerID string
	prefix   string

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	cancels []func()
	queue   chan transport.Message

	pumpWG    sync.WaitGroup
	drainWG   sync.WaitGroup
	handlerWG sync.WaitGroup

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

func newDispatcher(bus transport.PubSub, reg *Registry, corr *Correlator, prefix, workerID string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		reg:      reg,
		corr:     corr,
		log:      log.With().Str("component", "dispatcher").Logger(),
		workerID: workerID,
		prefix:   prefix,
	}
}

func (d *Dispatcher) callTopic(channel string) string { return d.prefix + channel }
func (d *Dispatcher) answerTopic() string             { return d.prefix + "answers" }

// Start subscribes to all registered channels and the answer topic, then
// begins consuming. It returns only once every subscription is live, so a
// process that reports ready after Start cannot miss its own first call.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrStarted
	}

	topics := []string{d.answerTopic()}
	for _, ch := range d.reg.Channels() {
		topics = append(topics, d.callTopic(ch))
	}

	d.stop = make(chan struct{})
	d.queue = make(chan transport.Message, defaultQueueSize)
	d.cancels = nil
	d.handlerCtx, d.handlerCancel = context.WithCancel(context.Background())

	for _, topic := range topics {
		ch, cancel, err := d.bus.Subscribe(topic)
		if err != nil {
			for _, c := range d.cancels {
				c()
			}
			d.cancels = nil
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		d.cancels = append(d.cancels, cancel)
		d.pumpWG.Add(1)
		go d.pump(topic, ch, d.stop, d.queue)
	}

	d.drainWG.Add(1)
	go d.drain(d.queue)

	// The queue closes once every pump has exited, which unblocks drain.
	go func(queue chan transport.Message) {
		d.pumpWG.Wait()
		close(queue)
	}(d.queue)

	d.running = true
	d.log.Info().Strs("topics", topics).Str("worker_id", d.workerID).Msg("dispatcher started")
	return nil
}

// Stop unsubscribes and drains. In-flight handlers get until ctx's deadline
// to finish; past it their context is cancelled and Stop returns ctx's error.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.running = false
	close(d.stop)
	cancels := d.cancels
	d.cancels = nil
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	d.drainWG.Wait()

	done := make(chan struct{})
	go func() {
		d.handlerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.handlerCancel()
		d.log.Info().Msg("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.handlerCancel()
		d.log.Warn().Msg("dispatcher stopped with handlers still in flight")
		return ctx.Err()
	}
}

// pump forwards one subscription into the shared queue. A subscription that
// closes while the dispatcher is still running means the transport dropped
// it; pump then resubscribes with capped exponential backoff.
func (d *Dispatcher) pump(topic string, ch <-chan transport.Message, stop chan struct{}, queue chan transport.Message) {
	defer d.pumpWG.Done()
	for {
		for msg := range ch {
			select {
			case queue <- msg:
			case <-stop:
				return
			}
		}

		select {
		case <-stop:
			return
		default:
		}
		d.log.Warn().Str("topic", topic).Msg("subscription lost, resubscribing")

		delay := resubscribeBase
		for {
			select {
			case <-time.After(delay):
			case <-stop:
				return
			}
			next, cancel, err := d.bus.Subscribe(topic)
			if err == nil {
				d.mu.Lock()
				if !d.running {
					d.mu.Unlock()
					cancel()
					return
				}
				d.cancels = append(d.cancels, cancel)
				d.mu.Unlock()
				ch = next
				d.log.Info().Str("topic", topic).Msg("resubscribed")
				break
			}
			d.log.Warn().Str("topic", topic).Err(err).Msg("resubscribe failed")
			if delay *= 2; delay > resubscribeCap {
				delay = resubscribeCap
			}
		}
	}
}

func (d *Dispatcher) drain(queue chan transport.Message) {
	defer d.drainWG.Done()
	for msg := range queue {
		decoded, err := Decode(msg.Payload)
		if err != nil {
			d.log.Warn().Str("topic", msg.Topic).Err(err).Msg("dropping undecodable message")
			continue
		}
		switch env := decoded.(type) {
		case *CallEnvelope:
			d.dispatchCall(env)
		case *AnswerEnvelope:
			d.corr.Offer(*env)
		}
	}
}

func (d *Dispatcher) dispatchCall(env *CallEnvelope) {
	handler, ok := d.reg.Lookup(env.Channel)
	if !ok {
		// Only registered channels are subscribed; a call here means a
		// misconfigured topology. Drop it.
		d.log.Debug().Str("channel", env.Channel).Msg("call for unregistered channel")
		return
	}

	d.handlerWG.Add(1)
	go func() {
		defer d.handlerWG.Done()
		answer := runHandler(d.handlerCtx, handler, env, d.workerID)
		if !env.ExpectAnswers {
			return
		}
		payload, err := EncodeAnswer(answer)
		if err != nil {
			d.log.Error().Str("channel", env.Channel).Err(err).Msg("encode answer failed")
			return
		}
		if err := d.bus.Publish(d.answerTopic(), payload); err != nil {
			d.log.Warn().Str("channel", env.Channel).Stringer("call_id", env.CallID).Err(err).
				Msg("publish answer failed")
		}
	}()
}

// runHandler executes a local handler for one call and converts the outcome
// into an answer envelope. Handler errors and panics are captured into the
// envelope's error field; they never propagate to the caller of runHandler.
func runHandler(ctx context.Context, handler Handler, env *CallEnvelope, workerID string) (answer AnswerEnvelope) {
	answer = AnswerEnvelope{CallID: env.CallID, WorkerID: workerID}

	var result any
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
			}
		}()
		result, err = handler(ctx, callFromEnvelope(env))
		return err
	}()
	if err != nil {
		answer.Error = err.Error()
		return answer
	}

	raw, err := marshalValue(result)
	if err != nil {
		answer.Error = err.Error()
		return answer
	}
	answer.Result = raw
	return answer
}
