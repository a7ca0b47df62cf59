// Package worker runs the delivery consumers. Each worker pops jobs from the
// queue, executes the bound flow or renders the legacy template, forwards the
// result and classifies the outcome into complete, retryable fail or
// dead-letter.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/flow"
	"github.com/telemetrygate/telemetrygate/forward"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/metric"
	"github.com/telemetrygate/telemetrygate/quarantine"
	"github.com/telemetrygate/telemetrygate/queue"
	"github.com/telemetrygate/telemetrygate/rule"
	"github.com/telemetrygate/telemetrygate/template"
)

// Defaults applied when the corresponding option is zero
const (
	DefaultCount           = 2
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
)

// JobQueue is the slice of the work queue the pool consumes
type JobQueue interface {
	Pop(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id string, result map[string]any) error
	Fail(ctx context.Context, id string, failure string, nonRetryable bool) error
	RequeueOrphans(ctx context.Context) (int, error)
}

// Deliverer performs one outbound delivery attempt
type Deliverer interface {
	Forward(ctx context.Context, payload map[string]any, gatewayUUID, flowID, templateName string) (*forward.Delivery, error)
}

// Health is a snapshot of the pool for the operations endpoint
type Health struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Pool is a fixed-size set of queue consumers
type Pool struct {
	logger     *slog.Logger
	queue      JobQueue
	store      *inventory.Store
	rules      *rule.Engine
	templates  *template.Engine
	deliverer  Deliverer
	quarantine *quarantine.Store
	metrics    *metric.Metrics

	count           int
	pollInterval    time.Duration
	shutdownTimeout time.Duration

	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	processed atomic.Int64
	failed    atomic.Int64
}

// Option configures a Pool
type Option func(*Pool)

// WithCount sets the number of consumers
func WithCount(n int) Option {
	return func(p *Pool) { p.count = n }
}

// WithPollInterval sets the sleep between empty pops
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithShutdownTimeout bounds the drain on Stop
func WithShutdownTimeout(d time.Duration) Option {
	return func(p *Pool) { p.shutdownTimeout = d }
}

// WithMetrics wires the pool into the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a worker pool
func New(logger *slog.Logger, q JobQueue, store *inventory.Store, rules *rule.Engine,
	templates *template.Engine, deliverer Deliverer, quar *quarantine.Store, opts ...Option) *Pool {

	p := &Pool{
		logger:          logger.With("component", "worker"),
		queue:           q,
		store:           store,
		rules:           rules,
		templates:       templates,
		deliverer:       deliverer,
		quarantine:      quar,
		count:           DefaultCount,
		pollInterval:    DefaultPollInterval,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start recovers orphaned jobs and launches the consumers
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "worker", "Start", "pool state check")
	}

	if n, err := p.queue.RequeueOrphans(ctx); err != nil {
		p.logger.Warn("orphan recovery failed on start", "error", err)
	} else if n > 0 {
		p.logger.Info("recovered orphaned jobs", "count", n)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.consume(runCtx, i)
	}
	p.logger.Info("worker pool started", "count", p.count)
	return nil
}

// Stop cancels the consumers, waits up to the shutdown timeout for in-flight
// jobs to drain, then requeues anything still claimed so another instance can
// pick it up.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() || p.cancel == nil {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("shutdown deadline hit with workers still in flight")
	case <-ctx.Done():
	}

	recoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if n, err := p.queue.RequeueOrphans(recoverCtx); err != nil {
		p.logger.Warn("orphan recovery failed on stop", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued in-flight jobs on stop", "count", n)
	}
	p.started.Store(false)
	return nil
}

// Health reports the pool state
func (p *Pool) Health() Health {
	return Health{
		Running:   p.started.Load(),
		Workers:   p.count,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) consume(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	logger.Debug("consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("consumer stopped")
			return
		default:
		}

		job, err := p.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("pop failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		p.Process(ctx, job)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// Process executes one job end to end and settles it on the queue
func (p *Pool) Process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	logger := p.logger.With("job_id", job.ID, "gateway_id", job.GatewayID)

	if job.Tenant == nil {
		if _, err := p.quarantine.StoreUnassigned(job.GatewayID, job.Message); err != nil {
			logger.Error("quarantine write failed", "error", err)
		}
		p.settleFail(ctx, job, "unassigned gateway", true, logger)
		return
	}

	var (
		result map[string]any
		err    error
		path   string
	)
	switch {
	case job.FlowID != "":
		path = "flow"
		result, err = p.runFlow(ctx, job)
	case job.TemplateName != "":
		path = "template"
		result, err = p.runTemplate(ctx, job)
	default:
		p.settleFail(ctx, job, "job carries neither flow nor template", true, logger)
		return
	}

	if p.metrics != nil {
		p.metrics.ProcessingDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if p.metrics != nil {
			p.metrics.ObserveError(err)
		}
		p.settleFail(ctx, job, err.Error(), !errors.IsTransient(err), logger)
		return
	}

	if qerr := p.queue.Complete(ctx, job.ID, result); qerr != nil {
		logger.Error("complete failed", "error", qerr)
		return
	}
	p.processed.Add(1)
	if p.metrics != nil {
		p.metrics.JobsProcessed.WithLabelValues("completed").Inc()
	}
	logger.Info("job completed", "path", path, "duration_ms", time.Since(start).Milliseconds())
}

// runFlow loads and executes the bound flow. Render failures surface as
// invalid errors; forward failures keep the classification attached by the
// forward callback.
func (p *Pool) runFlow(ctx context.Context, job *queue.Job) (map[string]any, error) {
	f, err := p.store.GetFlow(ctx, job.FlowID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "worker", "runFlow", "flow "+job.FlowID+" lookup")
		}
		return nil, err
	}

	engine := flow.NewEngine(p.logger, p.rules, p.templates, p.forwardFunc(job))
	res, err := engine.Execute(ctx, f, job.Normalized, job.Tenant.CustomerConfig())
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "worker", "runFlow", "render: "+res.Error)
	}

	result := map[string]any{
		"flow_id":           res.FlowID,
		"success":           res.Success,
		"steps_executed":    res.StepsExecuted,
		"execution_time_ms": res.ExecutionTimeMS,
	}
	if res.Skipped {
		result["skipped"] = true
		result["skip_reason"] = res.SkipReason
	}
	if res.Output != nil {
		result["output"] = res.Output
	}
	return result, nil
}

// runTemplate is the legacy path: rule gate, render, forward
func (p *Pool) runTemplate(ctx context.Context, job *queue.Job) (map[string]any, error) {
	ok, matched, err := p.templates.ShouldForward(job.Normalized, job.TemplateName)
	if err != nil {
		return nil, errors.WrapInvalid(err, "worker", "runTemplate", "rule gate for "+job.TemplateName)
	}
	if !ok {
		return map[string]any{
			"forwarded": false,
			"reason":    "filter rules did not match",
			"template":  job.TemplateName,
		}, nil
	}

	payload, err := p.templates.Transform(job.Normalized, job.TemplateName, job.Tenant.CustomerConfig())
	if err != nil {
		return nil, errors.WrapInvalid(err, "worker", "runTemplate", "render "+job.TemplateName)
	}

	delivery, err := p.deliverer.Forward(ctx, payload, job.GatewayID, "", job.TemplateName)
	if err != nil {
		return nil, err
	}
	if err := classify(delivery); err != nil {
		return nil, err
	}

	return map[string]any{
		"forwarded":     true,
		"template":      job.TemplateName,
		"matched_rules": matched,
		"delivery":      delivery,
	}, nil
}

// forwardFunc binds the deliverer into a flow forward step for one job
func (p *Pool) forwardFunc(job *queue.Job) flow.ForwardFunc {
	return func(ctx context.Context, payload map[string]any, target flow.Target, gatewayID string) error {
		if p.metrics != nil {
			start := time.Now()
			defer func() {
				p.metrics.DeliveryDuration.WithLabelValues(target.Type).Observe(time.Since(start).Seconds())
			}()
		}
		templateName, _ := payload["_template"].(string)
		delivery, err := p.deliverer.Forward(ctx, payload, gatewayID, job.FlowID, templateName)
		if err != nil {
			return err
		}
		return classify(delivery)
	}
}

// classify maps the downstream response onto the retry policy: 2xx succeed,
// 422 dead-letters, everything else is retryable.
func classify(d *forward.Delivery) error {
	switch {
	case d.Success():
		return nil
	case d.StatusCode == 422:
		return errors.WrapInvalid(errors.ErrPayloadRejected, "worker", "classify",
			fmt.Sprintf("tenant endpoint returned 422: %s", d.Body))
	default:
		return errors.WrapTransient(errors.ErrDeliveryFailed, "worker", "classify",
			fmt.Sprintf("tenant endpoint returned %d", d.StatusCode))
	}
}

func (p *Pool) settleFail(ctx context.Context, job *queue.Job, reason string, nonRetryable bool, logger *slog.Logger) {
	if err := p.queue.Fail(ctx, job.ID, reason, nonRetryable); err != nil {
		logger.Error("fail settle failed", "error", err)
		return
	}
	p.failed.Add(1)
	if p.metrics != nil {
		p.metrics.JobsProcessed.WithLabelValues("failed").Inc()
		if nonRetryable {
			p.metrics.JobsDeadLettered.Inc()
		}
	}
	logger.Warn("job failed", "reason", reason, "non_retryable", nonRetryable)
}
