package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gbsoft/fleetstream/errors"
	"github.com/gbsoft/fleetstream/metric"
	"github.com/gbsoft/fleetstream/payload"
	"github.com/gbsoft/fleetstream/pkg/worker"
	"github.com/gbsoft/fleetstream/ratelimit"
	"github.com/gbsoft/fleetstream/telemetry"
	"github.com/gbsoft/fleetstream/topic"
)

const componentName = "TelemetryPipeline"

// Config tunes pipeline capacity and admission
type Config struct {
	Workers            int           `json:"workers" yaml:"workers"`
	QueueSize          int           `json:"queueSize" yaml:"queue_size"`
	DeadLetterCapacity int           `json:"deadLetterCapacity" yaml:"dead_letter_capacity"`
	RateLimit          int           `json:"rateLimit" yaml:"rate_limit"`
	RateWindow         time.Duration `json:"rateWindow" yaml:"rate_window"`
}

// DefaultConfig returns the ingest tuning used when no overrides are set
func DefaultConfig() Config {
	return Config{
		Workers:            worker.DefaultWorkers,
		QueueSize:          worker.DefaultQueueSize,
		DeadLetterCapacity: DefaultDeadLetterCapacity,
		RateLimit:          ratelimit.DefaultLimit,
		RateWindow:         ratelimit.DefaultWindow,
	}
}

// EventStore persists events and device liveness
type EventStore interface {
	SaveEvent(ctx context.Context, event *telemetry.Event) error
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
}

// Broadcaster fans an event out to live subscribers
type Broadcaster interface {
	Broadcast(ctx context.Context, event *telemetry.Event) error
}

// Publisher forwards an event to the platform event bus
type Publisher interface {
	Publish(ctx context.Context, event *telemetry.Event) error
}

// Resolver answers whether a device is known. A (nil, nil) result means
// unknown; errors mean the answer could not be obtained.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (*telemetry.Device, error)
}

// Dependencies are the collaborators the pipeline dispatches to. Resolver is
// required; nil sinks disable that side effect.
type Dependencies struct {
	Resolver  Resolver
	Store     EventStore
	Broadcast Broadcaster
	Bridge    Publisher
}

// Pipeline runs the per-message stage sequence from raw transport bytes to
// dispatched events. One pipeline serves all devices; processing happens on a
// bounded worker pool so transports never block on ingestion.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	validator *payload.Validator
	limiter   *ratelimit.Limiter
	resolver  Resolver
	store     EventStore
	broadcast Broadcaster
	bridge    Publisher

	pool       *worker.Pool[Inbound]
	deadLetter *DeadLetterBuffer

	mu       sync.RWMutex
	handlers map[string]Handler

	lifecycleMu sync.Mutex
	running     bool

	received    int64
	processed   int64
	rejected    int64
	rateLimited int64
	heartbeats  int64
	adminCmds   int64

	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
}

// Option configures optional pipeline collaborators
type Option func(*Pipeline)

// WithLogger sets the pipeline logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics wires the pipeline counters into the platform metrics. A nil
// metrics value leaves instrumentation disabled.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithMetricsRegistry additionally exposes worker pool gauges and counters
// under the fleetstream_pipeline_pool prefix.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(p *Pipeline) {
		p.registry = registry
	}
}

// New creates a pipeline with the given tuning and collaborators
func New(cfg Config, deps Dependencies, opts ...Option) (*Pipeline, error) {
	if deps.Resolver == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New", "resolver required")
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = def.DeadLetterCapacity
	}

	p := &Pipeline{
		cfg:        cfg,
		logger:     slog.Default(),
		validator:  payload.NewValidator(),
		limiter:    ratelimit.New(cfg.RateLimit, cfg.RateWindow),
		resolver:   deps.Resolver,
		store:      deps.Store,
		broadcast:  deps.Broadcast,
		bridge:     deps.Bridge,
		deadLetter: NewDeadLetterBuffer(cfg.DeadLetterCapacity),
		handlers:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}

	var poolOpts []worker.Option[Inbound]
	if p.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[Inbound](p.registry, "fleetstream_pipeline_pool"))
	}
	p.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, p.process, poolOpts...)
	return p, nil
}

// Name identifies the pipeline for lifecycle management
func (p *Pipeline) Name() string {
	return componentName
}

// Start registers default handlers for any uncovered message class and
// launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, componentName, "Start", "check running state")
	}

	p.ensureDefaultHandlers()

	if err := p.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, componentName, "Start", "worker pool start")
	}
	p.running = true

	p.logger.Info("Telemetry pipeline started",
		"component", componentName,
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize,
		"dead_letter_capacity", p.cfg.DeadLetterCapacity)
	return nil
}

// Stop drains the worker pool, waiting up to timeout for in-flight messages
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running {
		return nil
	}

	if err := p.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, componentName, "Stop", "worker pool drain")
	}
	p.running = false

	p.logger.Info("Telemetry pipeline stopped", "component", componentName)
	return nil
}

// IsStarted reports whether the pipeline is accepting messages
func (p *Pipeline) IsStarted() bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.running
}

// Submit hands one raw message to the pipeline without blocking. When the
// queue is full the message is dead-lettered instead of stalling the caller's
// read loop.
func (p *Pipeline) Submit(msg Inbound) {
	atomic.AddInt64(&p.received, 1)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if err := p.pool.Submit(msg); err != nil {
		p.deadLetter.Capture(msg, "ingress queue full", err)
		p.recordDeadLetterDepth()
		p.logger.Warn("Ingress queue full, message dead-lettered",
			"component", componentName,
			"topic", msg.Topic,
			"error", err)
	}
}

// Replay drains up to n dead letters and re-submits them through the full
// stage sequence. Entries that cannot be requeued are put back.
func (p *Pipeline) Replay(ctx context.Context, n int) (int, error) {
	letters := p.deadLetter.Drain(n)
	requeued := 0
	for i, dl := range letters {
		select {
		case <-ctx.Done():
			p.deadLetter.restore(letters[i:])
			p.recordDeadLetterDepth()
			return requeued, errors.WrapTransient(ctx.Err(), componentName, "Replay", "context cancelled")
		default:
		}

		if err := p.pool.Submit(dl.Message); err != nil {
			p.deadLetter.restore(letters[i:])
			p.recordDeadLetterDepth()
			return requeued, errors.WrapTransient(err, componentName, "Replay", "requeue dead letter")
		}
		requeued++
	}

	p.recordDeadLetterDepth()
	if requeued > 0 {
		p.logger.Info("Replayed dead letters", "component", componentName, "count", requeued)
	}
	return requeued, nil
}

// DeadLetters returns a copy of the currently captured dead letters,
// oldest first.
func (p *Pipeline) DeadLetters() []DeadLetter {
	return p.deadLetter.Snapshot()
}

// Stats is a point-in-time snapshot of pipeline activity
type Stats struct {
	Received        int64            `json:"received"`
	Processed       int64            `json:"processed"`
	Rejected        int64            `json:"rejected"`
	RateLimited     int64            `json:"rateLimited"`
	Heartbeats      int64            `json:"heartbeats"`
	AdminCommands   int64            `json:"adminCommands"`
	DeadLettered    int64            `json:"deadLettered"`
	DeadLetterDepth int              `json:"deadLetterDepth"`
	Pool            worker.PoolStats `json:"pool"`
	RateLimiter     ratelimit.Stats  `json:"rateLimiter"`
}

// Stats returns current pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:        atomic.LoadInt64(&p.received),
		Processed:       atomic.LoadInt64(&p.processed),
		Rejected:        atomic.LoadInt64(&p.rejected),
		RateLimited:     atomic.LoadInt64(&p.rateLimited),
		Heartbeats:      atomic.LoadInt64(&p.heartbeats),
		AdminCommands:   atomic.LoadInt64(&p.adminCmds),
		DeadLettered:    p.deadLetter.Captured(),
		DeadLetterDepth: p.deadLetter.Len(),
		Pool:            p.pool.Stats(),
		RateLimiter:     p.limiter.Stats(),
	}
}

// process runs one message through the stage sequence. Invalid input is
// terminal for that message and never an error to the pool; only failures
// after validation count as processing errors.
func (p *Pipeline) process(ctx context.Context, msg Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("panic: %v", r)
			p.deadLetter.Capture(msg, "handler panic", cause)
			p.recordDeadLetterDepth()
			p.logger.Error("Recovered panic while processing message",
				"component", componentName,
				"topic", msg.Topic,
				"panic", r,
				"stack", string(debug.Stack()))
			err = errors.WrapFatal(cause, componentName, "process", "handler execution")
		}
	}()

	switch topic.Match(msg.Topic) {
	case topic.KindHeartbeat:
		return p.processHeartbeat(ctx, msg)
	case topic.KindAdmin:
		p.processAdmin(msg)
		return nil
	}

	start := time.Now()

	subject, err := topic.Parse(msg.Topic)
	if err != nil {
		p.rejectMessage(msg, "", err)
		return nil
	}

	if p.metrics != nil {
		p.metrics.RecordMessageReceived("pipeline", subject.MessageClass)
	}

	fields, err := p.validator.Validate(msg.Payload)
	if err != nil {
		p.rejectMessage(msg, subject.DeviceID, err)
		return nil
	}

	if !p.limiter.Allow(subject.DeviceID) {
		atomic.AddInt64(&p.rateLimited, 1)
		if p.metrics != nil {
			p.metrics.RecordRateLimited()
		}
		p.logger.Info("Rate limit window exhausted, message dropped",
			"component", componentName,
			"device_id", subject.DeviceID,
			"class", subject.MessageClass)
		return nil
	}

	device, err := p.resolver.Resolve(ctx, subject.DeviceID)
	if err != nil {
		p.captureDispatchFailure(msg, subject.DeviceID, "device resolution", err)
		return err
	}
	if !device.Admissible() {
		p.rejectMessage(msg, subject.DeviceID, errors.ErrSubjectUnknown)
		return nil
	}

	event := telemetry.NewEvent(subject.DeviceID, subject.MessageClass, fields.Map(),
		telemetry.WithReceivedAt(msg.ReceivedAt))

	handler := p.handlerFor(subject.MessageClass)
	if handler == nil {
		err = errors.WrapInvalid(errors.ErrNoHandler, componentName, "process", fmt.Sprintf("class %q", subject.MessageClass))
		p.captureDispatchFailure(msg, subject.DeviceID, "handler lookup", err)
		return err
	}

	event.ProcessedAt = time.Now().UTC()
	if err := handler(ctx, event, fields); err != nil {
		p.captureDispatchFailure(msg, subject.DeviceID, "dispatch", err)
		if p.metrics != nil {
			p.metrics.RecordMessageProcessed("pipeline", subject.MessageClass, "error")
		}
		return err
	}

	atomic.AddInt64(&p.processed, 1)
	if p.metrics != nil {
		p.metrics.RecordMessageProcessed("pipeline", subject.MessageClass, "success")
		p.metrics.RecordProcessingDuration("pipeline", subject.MessageClass, time.Since(start))
	}
	return nil
}

// processHeartbeat updates device liveness without payload validation
func (p *Pipeline) processHeartbeat(ctx context.Context, msg Inbound) error {
	deviceID, err := topic.ParseHeartbeat(msg.Topic)
	if err != nil {
		p.rejectMessage(msg, "", err)
		return nil
	}

	atomic.AddInt64(&p.heartbeats, 1)
	if p.store == nil {
		return nil
	}

	if err := p.store.TouchDevice(ctx, deviceID, msg.ReceivedAt); err != nil {
		p.captureDispatchFailure(msg, deviceID, "heartbeat liveness update", err)
		return err
	}

	p.logger.Debug("Device heartbeat recorded",
		"component", componentName,
		"device_id", deviceID)
	return nil
}

// processAdmin counts and logs admin commands; execution is out of scope
func (p *Pipeline) processAdmin(msg Inbound) {
	atomic.AddInt64(&p.adminCmds, 1)
	p.logger.Info("Admin command received",
		"component", componentName,
		"topic", msg.Topic,
		"size_bytes", len(msg.Payload))
}

// rejectMessage terminates a message on a validation or security failure. The
// rejection is audited and counted but never escalates.
func (p *Pipeline) rejectMessage(msg Inbound, deviceID string, cause error) {
	atomic.AddInt64(&p.rejected, 1)
	reason := rejectReason(cause)
	if p.metrics != nil {
		p.metrics.RecordMessageRejected(reason)
	}
	p.logger.Warn("Message rejected",
		"component", componentName,
		"device_id", deviceID,
		"topic", msg.Topic,
		"reason", reason,
		"error", cause)
}

// captureDispatchFailure dead-letters a message that failed after validation
func (p *Pipeline) captureDispatchFailure(msg Inbound, deviceID, reason string, cause error) {
	p.deadLetter.Capture(msg, reason, cause)
	p.recordDeadLetterDepth()
	p.logger.Error("Message dead-lettered",
		"component", componentName,
		"device_id", deviceID,
		"topic", msg.Topic,
		"reason", reason,
		"error", cause)
}

func (p *Pipeline) recordDeadLetterDepth() {
	if p.metrics != nil {
		p.metrics.RecordDeadLetterDepth(p.deadLetter.Len())
	}
}

// rejectReason maps a validation failure to its audit label
func rejectReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrMalformedTopic):
		return "malformed_topic"
	case stderrors.Is(err, errors.ErrInvalidDeviceID):
		return "invalid_device_id"
	case stderrors.Is(err, errors.ErrUnsupportedMessageClass):
		return "unsupported_message_class"
	case stderrors.Is(err, errors.ErrPayloadTooDeep):
		return "payload_too_deep"
	case stderrors.Is(err, errors.ErrTooManyProperties):
		return "too_many_properties"
	case stderrors.Is(err, errors.ErrInvalidKey):
		return "invalid_key"
	case stderrors.Is(err, errors.ErrOutOfRange):
		return "out_of_range"
	case stderrors.Is(err, errors.ErrNotANumber):
		return "not_a_number"
	case stderrors.Is(err, errors.ErrSubjectUnknown):
		return "subject_unknown"
	default:
		return "invalid"
	}
}
