// Package broadcast implements scatter-gather calls across the replicas of a
// horizontally scaled service. A decorated handler runs on every replica
// subscribed to its channel; the caller gets each replica's answer back,
// correlated by call id, within a bounded time. Replicas share nothing but
// the pub/sub transport.
package broadcast

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fanout/internal/transport"
)

const defaultTimeout = 10 * time.Second

// Broadcaster owns the process-local broadcast machinery: the handler
// registry, the correlator, and the dispatcher loop over one transport.
// Construct it at startup, register handlers via Decorate, then Start.
type Broadcaster struct {
	bus  transport.PubSub
	reg  *Registry
	corr *Correlator
	disp *Dispatcher
	log  zerolog.Logger

	prefix   string
	timeout  time.Duration
	workerID string
}

type Option func(*Broadcaster)

// WithPrefix sets the topic prefix shared by all replicas of a deployment.
func WithPrefix(prefix string) Option {
	return func(b *Broadcaster) { b.prefix = prefix }
}

// WithDefaultTimeout sets the aggregation window used by proxies that do not
// override it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Broadcaster) { b.timeout = d }
}

// WithWorkerID overrides the generated worker identity. Needed when several
// broadcasters share one process, as in tests.
func WithWorkerID(id string) Option {
	return func(b *Broadcaster) { b.workerID = id }
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Broadcaster) { b.log = log }
}

func New(bus transport.PubSub, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		bus:     bus,
		reg:     NewRegistry(),
		corr:    NewCorrelator(),
		log:     zerolog.Nop(),
		prefix:  "fanout.",
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.workerID == "" {
		b.workerID = defaultWorkerID()
	}
	b.disp = newDispatcher(bus, b.reg, b.corr, b.prefix, b.workerID, b.log)
	return b
}

// WorkerID returns the identity this process stamps on its answers.
func (b *Broadcaster) WorkerID() string { return b.workerID }

// Start brings the dispatcher up. Handlers must all be registered first; the
// process should not advertise readiness until Start has returned.
func (b *Broadcaster) Start(ctx context.Context) error { return b.disp.Start(ctx) }

// Stop tears the dispatcher down, giving in-flight handlers until ctx's
// deadline to complete.
func (b *Broadcaster) Stop(ctx context.Context) error { return b.disp.Stop(ctx) }

// ProxyOption tunes one decorated operation.
type ProxyOption func(*Proxy)

// WithTimeout overrides the aggregation window for this proxy.
func WithTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.timeout = d }
}

// WithExpectedAnswers sets the known replica count, letting calls resolve as
// soon as every replica answered instead of waiting out the full window.
func WithExpectedAnswers(n int) ProxyOption {
	return func(p *Proxy) { p.expected = n }
}

// Decorate registers handler on channel and returns the proxy that fans the
// operation out to every replica. With expectAnswers false the proxy is
// fire-and-forget: calls return as soon as the envelope is published.
// Registration happens at startup; decorating after Start is an error.
func (b *Broadcaster) Decorate(channel string, handler Handler, expectAnswers bool, opts ...ProxyOption) (*Proxy, error) {
	b.disp.mu.Lock()
	running := b.disp.running
	b.disp.mu.Unlock()
	if running {
		return nil, fmt.Errorf("%w: decorate %q before Start", ErrStarted, channel)
	}
	if err := b.reg.Register(channel, handler); err != nil {
		return nil, err
	}
	p := &Proxy{
		channel:       channel,
		expectAnswers: expectAnswers,
		timeout:       b.timeout,
		log:           b.log.With().Str("channel", channel).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.remote = &broadcastInvoker{b: b}
	p.local = &localInvoker{reg: b.reg, workerID: b.workerID}
	return p, nil
}

// Answer is one replica's reply within an aggregate.
type Answer = AnswerEnvelope

// Proxy is the callable side of a decorated operation. Invoking it
// publishes one call envelope and, when answers are expected, aggregates the
// replicas' replies.
type Proxy struct {
	channel       string
	expectAnswers bool
	timeout       time.Duration
	expected      int
	log           zerolog.Logger

	remote invoker
	local  invoker
}

// Call invokes the operation on every replica with positional arguments.
// It returns the answers collected within the proxy's window, in arrival
// order, or nil for fire-and-forget proxies.
func (p *Proxy) Call(ctx context.Context, args ...any) ([]Answer, error) {
	return p.CallNamed(ctx, nil, args...)
}

// CallNamed is Call with an additional set of named arguments.
func (p *Proxy) CallNamed(ctx context.Context, kwargs map[string]any, args ...any) ([]Answer, error) {
	env := CallEnvelope{
		CallID:        uuid.New(),
		Channel:       p.channel,
		ExpectAnswers: p.expectAnswers,
	}
	var err error
	if env.Args, env.Kwargs, err = encodeArguments(args, kwargs); err != nil {
		return nil, err
	}

	answers, err := p.remote.invoke(ctx, env, p.timeout, p.expected)
	if errors.Is(err, errPublish) {
		// Broker unreachable. Degrade to running the handler in this
		// process only; a diagnostic operation must not fail outright
		// just because the broker is down.
		p.log.Warn().Err(err).Msg("publish failed, degrading to local invocation")
		return p.local.invoke(ctx, env, p.timeout, p.expected)
	}
	return answers, err
}

func encodeArguments(args []any, kwargs map[string]any) ([]json.RawMessage, map[string]json.RawMessage, error) {
	var rawArgs []json.RawMessage
	for i, a := range args {
		raw, err := marshalValue(a)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		rawArgs = append(rawArgs, raw)
	}
	var rawKwargs map[string]json.RawMessage
	if len(kwargs) > 0 {
		rawKwargs = make(map[string]json.RawMessage, len(kwargs))
		for name, v := range kwargs {
			raw, err := marshalValue(v)
			if err != nil {
				return nil, nil, fmt.Errorf("argument %q: %w", name, err)
			}
			rawKwargs[name] = raw
		}
	}
	return rawArgs, rawKwargs, nil
}

// invoker is the capability behind a proxy: run one call envelope and return
// the aggregate. The broadcast variant goes through the transport; the local
// variant runs the handler directly and is the degraded mode.
type invoker interface {
	invoke(ctx context.Context, env CallEnvelope, timeout time.Duration, expected int) ([]Answer, error)
}

type broadcastInvoker struct {
	b *Broadcaster
}

func (bi *broadcastInvoker) invoke(ctx context.Context, env CallEnvelope, timeout time.Duration, expected int) ([]Answer, error) {
	payload, err := EncodeCall(env)
	if err != nil {
		return nil, err
	}

	// Register the pending entry before publishing so no answer can arrive
	// ahead of it.
	if env.ExpectAnswers {
		bi.b.corr.Begin(env.CallID, timeout, expected)
	}
	if err := bi.b.bus.Publish(bi.b.disp.callTopic(env.Channel), payload); err != nil {
		if env.ExpectAnswers {
			bi.b.corr.Drop(env.CallID)
		}
		return nil, fmt.Errorf("%w: %v", errPublish, err)
	}
	if !env.ExpectAnswers {
		return nil, nil
	}
	return bi.b.corr.Await(ctx, env.CallID)
}

// errPublish marks a transport-level publish failure, the one condition that
// triggers degraded local-only invocation.
var errPublish = errors.New("broadcast: transport publish failed")

type localInvoker struct {
	reg      *Registry
	workerID string
}

func (li *localInvoker) invoke(ctx context.Context, env CallEnvelope, _ time.Duration, _ int) ([]Answer, error) {
	handler, ok := li.reg.Lookup(env.Channel)
	if !ok {
		return nil, fmt.Errorf("broadcast: no handler for channel %q", env.Channel)
	}
	answer := runHandler(ctx, handler, &env, li.workerID)
	if !env.ExpectAnswers {
		return nil, nil
	}
	return []Answer{answer}, nil
}

// defaultWorkerID identifies this process across the deployment: hostname
// and pid locate the replica, the random suffix disambiguates pid reuse.
func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), hex.EncodeToString(suffix))
}
