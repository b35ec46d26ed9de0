package device

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/planforge/planforge/pkg/telemetry"
)

// Clock abstracts time for the retry loop so backoff is unit-testable
// without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallRecord describes one transport attempt against one device. The
// client emits these for every attempt, success or failure; the consumer
// decides where they go. Command invocations additionally produce one
// summary record carrying the template, resolved parameters, and output.
type CallRecord struct {
	DeviceID  string        `json:"device_id"`
	Operation string        `json:"operation"`
	Attempt   int           `json:"attempt"`
	Latency   time.Duration `json:"latency"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`

	// Template, Params, and Output are set only on command summary records.
	Template string            `json:"template,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Output   string            `json:"output,omitempty"`
}

// CallRecorder receives call records for audit and logging.
type CallRecorder interface {
	Record(ctx context.Context, record CallRecord)
}

// Config holds Device Client tunables.
type Config struct {
	// MaxRetries bounds retries per call for transient failures.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap limits the delay growth.
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// CallTimeout is the per-call deadline.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxInFlight caps simultaneous calls per device; excess calls queue.
	MaxInFlight int64 `yaml:"max_in_flight"`

	// RatePerSecond limits request rate per device.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// RateBurst is the per-device rate limiter burst size.
	RateBurst int `yaml:"rate_burst"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 2
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
}

// Client implements engine.DeviceClient against a Transport. One Client
// serves any number of devices; per-device concurrency ceilings and rate
// limits are tracked internally.
type Client struct {
	transport Transport
	cfg       Config
	clock     Clock
	recorder  CallRecorder
	commands  *CommandRegistry
	logger    *telemetry.Logger

	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithClock injects a clock, used by tests to skip real backoff delays.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithRecorder sets the call recorder.
func WithRecorder(rec CallRecorder) Option {
	return func(c *Client) { c.recorder = rec }
}

// WithCommands sets the whitelisted command template registry.
func WithCommands(reg *CommandRegistry) Option {
	return func(c *Client) { c.commands = reg }
}

// NewClient creates a device client.
func NewClient(transport Transport, cfg Config, logger *telemetry.Logger, opts ...Option) *Client {
	cfg.ApplyDefaults()
	c := &Client{
		transport: transport,
		cfg:       cfg,
		clock:     realClock{},
		commands:  NewCommandRegistry(),
		logger:    logger.NewComponentLogger("device_client"),
		sems:      make(map[string]*semaphore.Weighted),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read fetches the authoritative current configuration of a resource.
func (c *Client) Read(ctx context.Context, deviceID, resource string) (engine.FieldMap, error) {
	var state engine.FieldMap
	_, err := c.do(ctx, deviceID, "read", func(callCtx context.Context) error {
		s, err := c.transport.ReadResource(callCtx, deviceID, resource)
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ApplyChange reads current state, computes the minimal delta between
// current and desired fields, and submits only that delta. Fields not
// mentioned in desired are left untouched, so out-of-band manual changes
// are never clobbered. An empty delta issues no write at all.
func (c *Client) ApplyChange(ctx context.Context, deviceID, resource string, desired engine.FieldMap) (*engine.ChangeResult, error) {
	var current engine.FieldMap
	readRetries, err := c.do(ctx, deviceID, "read", func(callCtx context.Context) error {
		s, err := c.transport.ReadResource(callCtx, deviceID, resource)
		if err != nil {
			return err
		}
		current = s
		return nil
	})
	if err != nil {
		return &engine.ChangeResult{Retries: readRetries}, err
	}

	delta, before := computeDelta(current, desired)
	if len(delta) == 0 {
		c.logger.WithDeviceID(deviceID).WithField("resource", resource).
			Debug("device already matches desired state")
		return &engine.ChangeResult{
			Changed: false,
			Before:  before,
			After:   before.Copy(),
			Retries: readRetries,
		}, nil
	}

	var observed engine.FieldMap
	patchRetries, err := c.do(ctx, deviceID, "patch", func(callCtx context.Context) error {
		s, err := c.transport.PatchResource(callCtx, deviceID, resource, delta)
		if err != nil {
			return err
		}
		observed = s
		return nil
	})
	retries := readRetries + patchRetries
	if err != nil {
		return &engine.ChangeResult{Before: before, Retries: retries}, err
	}

	after := snapshotFields(observed, desired)
	return &engine.ChangeResult{
		Changed: true,
		Before:  before,
		After:   after,
		Retries: retries,
	}, nil
}

// RunCommand executes a pre-registered command template. Free-form
// commands are rejected; every invocation is recorded for audit with the
// template, the resolved parameters, and the output.
func (c *Client) RunCommand(ctx context.Context, deviceID, templateID string, params map[string]string) (string, error) {
	command, err := c.commands.Resolve(templateID, params)
	if err != nil {
		return "", err
	}

	var output string
	start := c.clock.Now()
	attempts, err := c.do(ctx, deviceID, "command:"+templateID, func(callCtx context.Context) error {
		out, err := c.transport.ExecCommand(callCtx, deviceID, command)
		if err != nil {
			return err
		}
		output = out
		return nil
	})

	c.record(ctx, CallRecord{
		DeviceID:  deviceID,
		Operation: "command",
		Attempt:   attempts,
		Latency:   c.clock.Now().Sub(start),
		OK:        err == nil,
		Error:     errString(err),
		Template:  templateID,
		Params:    params,
		Output:    output,
	})

	if err != nil {
		return "", err
	}
	return output, nil
}

// Health probes basic device reachability. A single attempt, no retries;
// it is a lightweight signal, not an operation.
func (c *Client) Health(ctx context.Context, deviceID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.transport.Ping(callCtx, deviceID)
}

// do runs one logical call with the per-device concurrency ceiling, rate
// limit, per-attempt deadline, and bounded exponential backoff for
// transient failures. It returns the number of retries consumed.
func (c *Client) do(ctx context.Context, deviceID, op string, fn func(ctx context.Context) error) (int, error) {
	sem := c.deviceSem(deviceID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, engine.NewTransientError("cancelled while queued", err).
			WithCode(engine.ErrCodeTimeout).WithDevice(deviceID)
	}
	defer sem.Release(1)

	limiter := c.deviceLimiter(deviceID)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return attempt, engine.NewTransientError("cancelled while rate limited", err).
				WithCode(engine.ErrCodeTimeout).WithDevice(deviceID)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		start := c.clock.Now()
		err := fn(callCtx)
		cancel()
		latency := c.clock.Now().Sub(start)

		c.record(ctx, CallRecord{
			DeviceID:  deviceID,
			Operation: op,
			Attempt:   attempt,
			Latency:   latency,
			OK:        err == nil,
			Error:     errString(err),
		})

		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !engine.IsRetryable(err) || attempt >= c.cfg.MaxRetries {
			return attempt, lastErr
		}

		backoff := c.cfg.BackoffBase << attempt
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
		c.logger.WithDeviceID(deviceID).
			WithField("operation", op).
			WithField("attempt", attempt+1).
			WithField("backoff", backoff.String()).
			Warn("retrying device call")

		if err := c.clock.Sleep(ctx, backoff); err != nil {
			return attempt, lastErr
		}
	}
}

func (c *Client) deviceSem(deviceID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.sems[deviceID]
	if !ok {
		sem = semaphore.NewWeighted(c.cfg.MaxInFlight)
		c.sems[deviceID] = sem
	}
	return sem
}

func (c *Client) deviceLimiter(deviceID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[deviceID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), c.cfg.RateBurst)
		c.limiters[deviceID] = limiter
	}
	return limiter
}

func (c *Client) record(ctx context.Context, rec CallRecord) {
	if c.recorder != nil {
		c.recorder.Record(ctx, rec)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
