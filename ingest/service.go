// Package ingest is the public entry of the pipeline. It accepts raw gateway
// pushes, keeps the inventory in contact, applies the quarantine policies and
// enqueues delivery jobs for the workers.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/metric"
	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/quarantine"
	"github.com/telemetrygate/telemetrygate/queue"
	"github.com/telemetrygate/telemetrygate/selector"
)

// Outcome statuses
const (
	StatusEnqueued   = "enqueued"
	StatusUnassigned = "unassigned"
	StatusBlocked    = "blocked"
)

// Blocked-by-policy reasons
const (
	ReasonForwardingDisabled = "forwarding disabled for gateway"
	ReasonTestMode           = "global test mode active"
	ReasonNoRoute            = "no flow or template route resolved"
)

// Outcome describes what happened to one inbound message
type Outcome struct {
	Status    string `json:"status"`
	GatewayID string `json:"gateway_id"`
	JobID     string `json:"job_id,omitempty"`
	FlowID    string `json:"flow_id,omitempty"`
	Template  string `json:"template,omitempty"`
	StoredAt  string `json:"stored_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Enqueuer is the slice of the work queue the ingest side uses
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Service implements the process_message operation
type Service struct {
	logger     *slog.Logger
	store      *inventory.Store
	queue      Enqueuer
	normalizer *normalize.Normalizer
	selector   *selector.Selector
	quarantine *quarantine.Store
	metrics    *metric.Metrics
	testMode   bool
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithTestMode forces every message into the blocked store
func WithTestMode(enabled bool) Option {
	return func(s *Service) { s.testMode = enabled }
}

// WithMetrics wires the service into the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source for tests
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// New creates the ingest service
func New(logger *slog.Logger, store *inventory.Store, q Enqueuer, n *normalize.Normalizer,
	sel *selector.Selector, quar *quarantine.Store, opts ...Option) *Service {

	s := &Service{
		logger:     logger.With("component", "ingest"),
		store:      store,
		queue:      q,
		normalizer: n,
		selector:   sel,
		quarantine: quar,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessMessage runs one raw push through contact tracking, policy checks,
// normalization and routing, ending in an enqueued job or a quarantine file.
// Invalid-class errors mean the caller sent garbage; transient-class errors
// mean a backend was unavailable.
func (s *Service) ProcessMessage(ctx context.Context, raw []byte, sourceIP, transport string) (*Outcome, error) {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(transport, "raw").Inc()
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.fail(errors.WrapInvalid(errors.ErrMalformedMessage, "ingest", "ProcessMessage",
			"decode JSON: "+err.Error()))
	}

	gatewayID, err := normalize.ExtractGatewayID(msg)
	if err != nil {
		return s.fail(err)
	}
	logger := s.logger.With("gateway_id", gatewayID, "transport", transport)

	now := s.now()
	gateway, err := s.store.UpsertGatewayOnContact(ctx, gatewayID, now)
	if err != nil {
		return s.fail(err)
	}
	s.touchDevices(ctx, gatewayID, msg, now, logger)

	tenant, err := s.store.FindTenantForGateway(ctx, gatewayID)
	if err != nil {
		return s.fail(err)
	}
	if tenant == nil {
		return s.quarantineUnassigned(gatewayID, msg, logger)
	}

	if reason := s.blockReason(gateway); reason != "" {
		return s.quarantineBlocked(gatewayID, reason, msg, logger)
	}

	canonical, err := s.normalizer.Normalize(msg, sourceIP)
	if err != nil {
		return s.fail(err)
	}
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(transport, canonical.Metadata.FormatType).Inc()
	}

	route, err := s.selector.Select(ctx, canonical)
	if err != nil {
		return s.fail(err)
	}
	if route == nil {
		return s.quarantineBlocked(gatewayID, ReasonNoRoute, msg, logger)
	}

	job := &queue.Job{
		Message:    msg,
		Normalized: canonical,
		GatewayID:  gatewayID,
		Tenant:     tenant,
		CreatedAt:  now,
	}
	if route.Flow != nil {
		job.FlowID = route.Flow.ID
	} else {
		job.TemplateName = route.TemplateName
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		return s.fail(err)
	}
	if s.metrics != nil {
		s.metrics.JobsEnqueued.Inc()
	}

	logger.Info("message enqueued",
		"job_id", job.ID,
		"flow_id", job.FlowID,
		"template", job.TemplateName,
		"format", canonical.Metadata.FormatType)
	return &Outcome{
		Status:    StatusEnqueued,
		GatewayID: gatewayID,
		JobID:     job.ID,
		FlowID:    job.FlowID,
		Template:  job.TemplateName,
	}, nil
}

// touchDevices upserts every subdevice found in the push. Failures are
// logged, not fatal: contact tracking must not block delivery.
func (s *Service) touchDevices(ctx context.Context, gatewayID string, msg map[string]any, now time.Time, logger *slog.Logger) {
	for _, dev := range subdevices(msg) {
		if _, err := s.store.UpsertDeviceOnContact(ctx, gatewayID, dev, now); err != nil {
			logger.Warn("device contact upsert failed", "error", err)
		}
	}
}

// fail counts the error before surfacing it
func (s *Service) fail(err error) (*Outcome, error) {
	if s.metrics != nil {
		s.metrics.ObserveError(err)
	}
	return nil, err
}

func (s *Service) blockReason(gateway *inventory.Gateway) string {
	switch {
	case !gateway.ForwardingEnabled:
		return ReasonForwardingDisabled
	case gateway.ForwardingMode != inventory.ModeProduction:
		return "gateway in " + gateway.ForwardingMode + " mode"
	case s.testMode:
		return ReasonTestMode
	default:
		return ""
	}
}

func (s *Service) quarantineUnassigned(gatewayID string, msg map[string]any, logger *slog.Logger) (*Outcome, error) {
	path, err := s.quarantine.StoreUnassigned(gatewayID, msg)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MessagesQuarantine.WithLabelValues(StatusUnassigned).Inc()
	}
	logger.Warn("message quarantined", "category", StatusUnassigned, "stored_at", path)
	return &Outcome{
		Status:    StatusUnassigned,
		GatewayID: gatewayID,
		StoredAt:  path,
		Reason:    "gateway not assigned to a tenant",
	}, nil
}

func (s *Service) quarantineBlocked(gatewayID, reason string, msg map[string]any, logger *slog.Logger) (*Outcome, error) {
	path, err := s.quarantine.StoreBlocked(gatewayID, reason, msg)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MessagesQuarantine.WithLabelValues(StatusBlocked).Inc()
	}
	logger.Warn("message quarantined", "category", StatusBlocked, "reason", reason, "stored_at", path)
	return &Outcome{
		Status:    StatusBlocked,
		GatewayID: gatewayID,
		StoredAt:  path,
		Reason:    reason,
	}, nil
}

// subdevices extracts the per-device submaps a push may carry, regardless of
// which list key the gateway firmware uses.
func subdevices(msg map[string]any) []map[string]any {
	body := msg
	if inner, ok := msg["message"].(map[string]any); ok {
		body = inner
	}

	for _, key := range []string{"subdevicelist", "subdevices", "devices", "sensors"} {
		list, ok := body[key].([]any)
		if !ok {
			continue
		}
		devices := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if dev, ok := item.(map[string]any); ok {
				devices = append(devices, dev)
			}
		}
		return devices
	}

	if _, ok := body["subdeviceid"]; ok {
		return []map[string]any{body}
	}
	return nil
}
