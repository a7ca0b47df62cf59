// Package forward delivers rendered payloads to tenant alarm endpoints with
// authenticated HTTP. The trust gate re-validates inventory at send time:
// pipeline state may be stale between selection and delivery, and a payload
// must never leave for a tenant that no longer owns the gateway.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/quarantine"
)

// DefaultAPIVersion is sent when the tenant does not override it
const DefaultAPIVersion = "2.1.5"

// DefaultTimeout bounds one delivery attempt end to end
const DefaultTimeout = 10 * time.Second

// Delivery is the downstream response handed to the worker for
// classification.
type Delivery struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
	URL        string `json:"url"`
	Tenant     string `json:"tenant"`
	DurationMS int64  `json:"duration_ms"`
}

// Success reports a 2xx response
func (d *Delivery) Success() bool { return d.StatusCode >= 200 && d.StatusCode < 300 }

// Forwarder resolves the tenant endpoint and performs the delivery
type Forwarder struct {
	logger     *slog.Logger
	client     *http.Client
	store      *inventory.Store
	quarantine *quarantine.Store
	apiVersion string
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithHTTPClient overrides the HTTP client, mainly for tests
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) { f.client = client }
}

// WithAPIVersion overrides the default API version header value
func WithAPIVersion(v string) Option {
	return func(f *Forwarder) { f.apiVersion = v }
}

// New creates a Forwarder
func New(logger *slog.Logger, store *inventory.Store, q *quarantine.Store, opts ...Option) *Forwarder {
	f := &Forwarder{
		logger:     logger.With("component", "forwarder"),
		client:     &http.Client{Timeout: DefaultTimeout},
		store:      store,
		quarantine: q,
		apiVersion: DefaultAPIVersion,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward resolves the tenant for the gateway, passes the trust gate,
// injects the tenant namespace and POSTs the payload. Trust-gate refusals
// quarantine the payload and return an invalid-class error so the worker
// dead-letters the job; transport failures return transient errors.
func (f *Forwarder) Forward(ctx context.Context, payload map[string]any, gatewayUUID, flowID, templateName string) (*Delivery, error) {
	tenant, reason, err := f.trustGate(ctx, gatewayUUID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		if _, qerr := f.quarantine.StoreSecurityLog(gatewayUUID, reason, flowID, templateName, payload); qerr != nil {
			f.logger.Error("security log write failed", "gateway_id", gatewayUUID, "error", qerr)
		}
		f.logger.Warn("delivery refused at trust gate", "gateway_id", gatewayUUID, "reason", reason)
		return nil, errors.WrapInvalid(errors.ErrForwardingBlocked, "forward", "Forward", reason)
	}

	injectNamespace(payload, tenant.Namespace)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "forward", "Forward", "encode payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "forward", "Forward", "build request for "+tenant.URL)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EVALARM-API-VERSION", f.versionFor(tenant))
	req.SetBasicAuth(tenant.Username, tenant.Password)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrDeliveryFailed, "forward", "Forward",
			fmt.Sprintf("post to %s: %v", tenant.URL, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	delivery := &Delivery{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		URL:        tenant.URL,
		Tenant:     tenant.Name,
		DurationMS: time.Since(start).Milliseconds(),
	}

	f.logger.Info("delivery attempted",
		"gateway_id", gatewayUUID,
		"tenant", tenant.Name,
		"status", resp.StatusCode,
		"duration_ms", delivery.DurationMS)
	return delivery, nil
}

// trustGate re-validates inventory for the gateway. A nil tenant with a
// reason means the gate refused; an error means storage was unavailable.
func (f *Forwarder) trustGate(ctx context.Context, gatewayUUID string) (*inventory.Tenant, string, error) {
	gateway, err := f.store.GetGateway(ctx, gatewayUUID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, "gateway not found in inventory", nil
		}
		return nil, "", err
	}
	if !gateway.Assigned() {
		return nil, "gateway not assigned to a tenant", nil
	}

	tenant, err := f.store.GetTenant(ctx, gateway.TenantID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, "bound tenant missing", nil
		}
		return nil, "", err
	}
	if !tenant.Active() {
		return nil, "tenant inactive", nil
	}
	if !tenant.HasCredentials() {
		return nil, "tenant has no delivery credentials", nil
	}
	if tenant.URL == "" {
		return nil, "tenant has no delivery URL", nil
	}
	return tenant, "", nil
}

func (f *Forwarder) versionFor(tenant *inventory.Tenant) string {
	if tenant.APIVersion != "" {
		return tenant.APIVersion
	}
	return f.apiVersion
}

// injectNamespace sets the tenant namespace on every events[].namespace
// field present in the rendered payload.
func injectNamespace(payload map[string]any, namespace string) {
	events, ok := payload["events"].([]any)
	if !ok {
		return
	}
	for _, item := range events {
		event, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, has := event["namespace"]; has {
			event["namespace"] = namespace
		}
	}
}
