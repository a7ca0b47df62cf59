package forward

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgerrors "github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/quarantine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

type fixture struct {
	store      *inventory.Store
	quarantine *quarantine.Store
	forwarder  *Forwarder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := testLogger()
	store := inventory.NewMemoryStore(logger)
	q, err := quarantine.New(logger, t.TempDir())
	require.NoError(t, err)
	return &fixture{
		store:      store,
		quarantine: q,
		forwarder:  New(logger, store, q, opts...),
	}
}

func (f *fixture) seedTenantAndGateway(t *testing.T, ctx context.Context, url string, mutate ...func(*inventory.Tenant, *inventory.Gateway)) (*inventory.Tenant, *inventory.Gateway) {
	t.Helper()
	tenant := &inventory.Tenant{
		Name:      "acme",
		URL:       url,
		Username:  "svc-user",
		Password:  "svc-pass",
		Namespace: "acme-prod",
	}
	gateway := &inventory.Gateway{
		UUID:           "gw-100",
		Status:         inventory.StatusOnline,
		ForwardingMode: inventory.ModeProduction,
	}
	for _, m := range mutate {
		m(tenant, gateway)
	}
	require.NoError(t, f.store.CreateTenant(ctx, tenant))
	gateway.TenantID = tenant.ID
	require.NoError(t, f.store.SaveGateway(ctx, gateway))
	return tenant, gateway
}

func panicPayload() map[string]any {
	return map[string]any{
		"events": []any{
			map[string]any{
				"event_type": "panic",
				"device_id":  "123",
				"namespace":  "",
			},
		},
	}
}

func TestForwardDeliversWithAuthAndHeaders(t *testing.T) {
	ctx := context.Background()

	var got struct {
		method, path, contentType, apiVersion string
		user, pass                            string
		body                                  map[string]any
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.contentType = r.Header.Get("Content-Type")
		got.apiVersion = r.Header.Get("X-EVALARM-API-VERSION")
		got.user, got.pass, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fx := newFixture(t)
	fx.seedTenantAndGateway(t, ctx, server.URL+"/api/events")

	delivery, err := fx.forwarder.Forward(ctx, panicPayload(), "gw-100", "flow-1", "panic_alarm")
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.True(t, delivery.Success())
	assert.Equal(t, http.StatusOK, delivery.StatusCode)
	assert.Equal(t, "acme", delivery.Tenant)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/events", got.path)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, DefaultAPIVersion, got.apiVersion)
	assert.Equal(t, "svc-user", got.user)
	assert.Equal(t, "svc-pass", got.pass)

	events := got.body["events"].([]any)
	event := events[0].(map[string]any)
	assert.Equal(t, "acme-prod", event["namespace"], "tenant namespace must replace the rendered one")
}

func TestForwardTenantAPIVersionOverride(t *testing.T) {
	ctx := context.Background()

	var version string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version = r.Header.Get("X-EVALARM-API-VERSION")
	}))
	defer server.Close()

	fx := newFixture(t)
	fx.seedTenantAndGateway(t, ctx, server.URL, func(tn *inventory.Tenant, _ *inventory.Gateway) {
		tn.APIVersion = "2.4.0"
	})

	_, err := fx.forwarder.Forward(ctx, panicPayload(), "gw-100", "", "")
	require.NoError(t, err)
	assert.Equal(t, "2.4.0", version)
}

func TestForwardNamespaceInjectionSkipsEventsWithoutField(t *testing.T) {
	payload := map[string]any{
		"events": []any{
			map[string]any{"event_type": "status"},
			map[string]any{"event_type": "panic", "namespace": "old"},
		},
	}
	injectNamespace(payload, "acme-prod")

	events := payload["events"].([]any)
	_, has := events[0].(map[string]any)["namespace"]
	assert.False(t, has, "events without a namespace field stay untouched")
	assert.Equal(t, "acme-prod", events[1].(map[string]any)["namespace"])
}

func TestForwardNon2xxReturnsDeliveryForClassification(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"unknown namespace"}`))
	}))
	defer server.Close()

	fx := newFixture(t)
	fx.seedTenantAndGateway(t, ctx, server.URL)

	delivery, err := fx.forwarder.Forward(ctx, panicPayload(), "gw-100", "", "")
	require.NoError(t, err, "HTTP-level rejection is a delivery, not a Go error")
	assert.False(t, delivery.Success())
	assert.Equal(t, http.StatusUnprocessableEntity, delivery.StatusCode)
	assert.Contains(t, delivery.Body, "unknown namespace")
}

func TestForwardConnectionFailureIsTransient(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	fx := newFixture(t)
	fx.seedTenantAndGateway(t, ctx, url)

	delivery, err := fx.forwarder.Forward(ctx, panicPayload(), "gw-100", "", "")
	require.Error(t, err)
	assert.Nil(t, delivery)
	assert.True(t, tgerrors.IsTransient(err))
	assert.True(t, tgerrors.Is(err, tgerrors.ErrDeliveryFailed))
}

func TestForwardTrustGateRefusals(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		seed   func(t *testing.T, fx *fixture)
		reason string
	}{
		{
			name:   "unknown gateway",
			seed:   func(t *testing.T, fx *fixture) {},
			reason: "gateway not found",
		},
		{
			name: "unassigned gateway",
			seed: func(t *testing.T, fx *fixture) {
				require.NoError(t, fx.store.SaveGateway(ctx, &inventory.Gateway{
					UUID:   "gw-100",
					Status: inventory.StatusUnassigned,
				}))
			},
			reason: "not assigned",
		},
		{
			name: "inactive tenant",
			seed: func(t *testing.T, fx *fixture) {
				fx.seedTenantAndGateway(t, ctx, "http://example.invalid", func(tn *inventory.Tenant, _ *inventory.Gateway) {
					tn.Status = inventory.TenantInactive
				})
			},
			reason: "tenant inactive",
		},
		{
			name: "missing credentials",
			seed: func(t *testing.T, fx *fixture) {
				fx.seedTenantAndGateway(t, ctx, "http://example.invalid", func(tn *inventory.Tenant, _ *inventory.Gateway) {
					tn.Username = ""
					tn.Password = ""
				})
			},
			reason: "credentials",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			tc.seed(t, fx)

			delivery, err := fx.forwarder.Forward(ctx, panicPayload(), "gw-100", "flow-1", "panic_alarm")
			require.Error(t, err)
			assert.Nil(t, delivery)
			assert.True(t, tgerrors.IsInvalid(err), "trust-gate refusals must not be retried")
			assert.True(t, tgerrors.Is(err, tgerrors.ErrForwardingBlocked))
			assert.Contains(t, err.Error(), tc.reason)

			names, lerr := fx.quarantine.List(quarantine.CategorySecurity)
			require.NoError(t, lerr)
			require.Len(t, names, 1, "refused payload must be quarantined")

			rec, rerr := fx.quarantine.Read(quarantine.CategorySecurity, names[0])
			require.NoError(t, rerr)
			assert.Equal(t, "gw-100", rec.GatewayID)
			assert.Contains(t, rec.Reason, tc.reason)
		})
	}
}
