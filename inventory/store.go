package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telemetrygate/telemetrygate/deviceregistry"
	"github.com/telemetrygate/telemetrygate/errors"
)

// Collections bundles the per-entity key-value stores backing a Store
type Collections struct {
	Tenants        KV
	Gateways       KV
	Devices        KV
	Flows          KV
	FlowGroups     KV
	Templates      KV
	TemplateGroups KV
}

// Store implements CRUD over the inventory collections plus the contact
// upserts and derived queries the pipeline depends on.
type Store struct {
	logger      *slog.Logger
	collections Collections
	now         func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock overrides the time source
func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// NewStore creates a Store over the given collections
func NewStore(logger *slog.Logger, collections Collections, opts ...StoreOption) *Store {
	s := &Store{
		logger:      logger.With("component", "inventory"),
		collections: collections,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore creates a Store over in-memory collections
func NewMemoryStore(logger *slog.Logger, opts ...StoreOption) *Store {
	return NewStore(logger, Collections{
		Tenants:        NewMemoryKV(),
		Gateways:       NewMemoryKV(),
		Devices:        NewMemoryKV(),
		Flows:          NewMemoryKV(),
		FlowGroups:     NewMemoryKV(),
		Templates:      NewMemoryKV(),
		TemplateGroups: NewMemoryKV(),
	}, opts...)
}

func getJSON[T any](ctx context.Context, kv KV, key string) (*T, error) {
	data, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.WrapInvalid(err, "inventory", "getJSON", "decode "+key)
	}
	return &out, nil
}

func putJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "inventory", "putJSON", "encode "+key)
	}
	return kv.Put(ctx, key, data)
}

func listJSON[T any](ctx context.Context, kv KV) ([]T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		item, err := getJSON[T](ctx, kv, key)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *item)
	}
	return out, nil
}

// --- tenants ---

// CreateTenant stores a new tenant. Names are unique; IDs are assigned when
// absent.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "inventory", "CreateTenant", "name check")
	}
	if existing, err := s.GetTenantByName(ctx, t.Name); err == nil && existing != nil {
		return errors.WrapInvalid(errors.ErrConflict, "inventory", "CreateTenant", "uniqueness of name "+t.Name)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	return putJSON(ctx, s.collections.Tenants, t.ID, t)
}

// GetTenant returns a tenant by id
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return getJSON[Tenant](ctx, s.collections.Tenants, id)
}

// GetTenantByName returns the tenant with the given unique name
func (s *Store) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	tenants, err := listJSON[Tenant](ctx, s.collections.Tenants)
	if err != nil {
		return nil, err
	}
	for i := range tenants {
		if tenants[i].Name == name {
			return &tenants[i], nil
		}
	}
	return nil, errors.ErrNotFound
}

// ListTenants returns all tenants
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	return listJSON[Tenant](ctx, s.collections.Tenants)
}

// UpdateTenant overwrites an existing tenant
func (s *Store) UpdateTenant(ctx context.Context, t *Tenant) error {
	if _, err := s.GetTenant(ctx, t.ID); err != nil {
		return err
	}
	t.UpdatedAt = s.now().UTC()
	return putJSON(ctx, s.collections.Tenants, t.ID, t)
}

// DeleteTenant removes a tenant. Gateways keep existing tenant-less.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	if err := s.collections.Tenants.Delete(ctx, id); err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.ErrNotFound
		}
		return err
	}
	gateways, err := listJSON[Gateway](ctx, s.collections.Gateways)
	if err != nil {
		return err
	}
	for i := range gateways {
		if gateways[i].TenantID != id {
			continue
		}
		gateways[i].TenantID = ""
		gateways[i].Status = StatusUnassigned
		gateways[i].UpdatedAt = s.now().UTC()
		if err := putJSON(ctx, s.collections.Gateways, gateways[i].UUID, &gateways[i]); err != nil {
			return err
		}
	}
	return nil
}

// --- gateways ---

// SaveGateway stores a gateway record as-is
func (s *Store) SaveGateway(ctx context.Context, g *Gateway) error {
	if strings.TrimSpace(g.UUID) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "inventory", "SaveGateway", "uuid check")
	}
	g.UpdatedAt = s.now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = g.UpdatedAt
	}
	return putJSON(ctx, s.collections.Gateways, g.UUID, g)
}

// GetGateway returns a gateway by uuid
func (s *Store) GetGateway(ctx context.Context, gatewayUUID string) (*Gateway, error) {
	return getJSON[Gateway](ctx, s.collections.Gateways, gatewayUUID)
}

// ListGateways returns all gateways
func (s *Store) ListGateways(ctx context.Context) ([]Gateway, error) {
	return listJSON[Gateway](ctx, s.collections.Gateways)
}

// DeleteGateway removes a gateway and its devices
func (s *Store) DeleteGateway(ctx context.Context, gatewayUUID string) error {
	if err := s.collections.Gateways.Delete(ctx, gatewayUUID); err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.ErrNotFound
		}
		return err
	}
	keys, err := s.collections.Devices.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasPrefix(key, gatewayUUID+".") {
			_ = s.collections.Devices.Delete(ctx, key)
		}
	}
	return nil
}

// UpsertGatewayOnContact records an inbound touch. Unknown gateways are
// created unassigned with a name derived from the uuid tail; known gateways
// go online and advance last_contact.
func (s *Store) UpsertGatewayOnContact(ctx context.Context, gatewayUUID string, now time.Time) (*Gateway, error) {
	now = now.UTC()
	existing, err := s.GetGateway(ctx, gatewayUUID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		g := &Gateway{
			UUID:              gatewayUUID,
			Name:              "Gateway " + lastN(gatewayUUID, 8),
			Status:            StatusUnassigned,
			LastContact:       &now,
			ForwardingEnabled: true,
			ForwardingMode:    ModeProduction,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := putJSON(ctx, s.collections.Gateways, gatewayUUID, g); err != nil {
			return nil, err
		}
		s.logger.Info("gateway created on first contact", "gateway_uuid", gatewayUUID)
		return g, nil
	}

	// unassigned stays visible as such until a tenant is bound; maintenance
	// is operator-set and sticky
	switch {
	case existing.Status == StatusMaintenance:
	case existing.Status == StatusUnassigned && existing.TenantID == "":
	default:
		existing.Status = StatusOnline
	}
	existing.LastContact = &now
	existing.UpdatedAt = now
	if err := putJSON(ctx, s.collections.Gateways, gatewayUUID, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// --- devices ---

func deviceKey(gatewayUUID, deviceID string) string {
	return gatewayUUID + "." + deviceID
}

// GetDevice returns a device by its compound key
func (s *Store) GetDevice(ctx context.Context, gatewayUUID, deviceID string) (*Device, error) {
	return getJSON[Device](ctx, s.collections.Devices, deviceKey(gatewayUUID, deviceID))
}

// ListDevices returns the devices of one gateway
func (s *Store) ListDevices(ctx context.Context, gatewayUUID string) ([]Device, error) {
	keys, err := s.collections.Devices.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, gatewayUUID+".") {
			continue
		}
		d, err := getJSON[Device](ctx, s.collections.Devices, key)
		if err != nil {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// SaveDevice stores a device record as-is
func (s *Store) SaveDevice(ctx context.Context, d *Device) error {
	if d.GatewayUUID == "" || d.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrInvalidDevice, "inventory", "SaveDevice", "key check")
	}
	return putJSON(ctx, s.collections.Devices, deviceKey(d.GatewayUUID, d.DeviceID), d)
}

// UpsertDeviceOnContact derives a device record from a raw subdevice subtree
// and merges it into the collection. The id comes from the subtree's id
// field; when absent but sensor values exist, a synthetic id tied to the
// gateway is used.
func (s *Store) UpsertDeviceOnContact(ctx context.Context, gatewayUUID string, raw map[string]any, now time.Time) (*Device, error) {
	now = now.UTC()

	values := map[string]any{}
	if v, ok := raw["value"].(map[string]any); ok {
		for k, val := range v {
			values[k] = val
		}
	} else {
		for k, v := range raw {
			switch v.(type) {
			case map[string]any, []any:
			default:
				if k != "id" && k != "subdeviceid" {
					values[k] = v
				}
			}
		}
	}

	deviceID := scalarString(raw["id"])
	if deviceID == "" {
		deviceID = scalarString(raw["subdeviceid"])
	}
	if deviceID == "" {
		if len(values) == 0 {
			return nil, errors.WrapInvalid(errors.ErrInvalidDevice, "inventory", "UpsertDeviceOnContact",
				"id derivation for gateway "+gatewayUUID)
		}
		deviceID = "device-" + lastN(gatewayUUID, 8)
	}

	existing, err := s.GetDevice(ctx, gatewayUUID, deviceID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	device := existing
	if device == nil {
		device = &Device{
			GatewayUUID: gatewayUUID,
			DeviceID:    deviceID,
			Status:      map[string]any{},
			CreatedAt:   now,
		}
	}
	if device.Status == nil {
		device.Status = map[string]any{}
	}
	for k, v := range values {
		device.Status[k] = v
	}
	device.DeviceType = deviceregistry.DetectDeviceType(device.Status, statusCode(device.Status))
	device.LastUpdate = now

	if err := putJSON(ctx, s.collections.Devices, deviceKey(gatewayUUID, deviceID), device); err != nil {
		return nil, err
	}
	return device, nil
}

// --- derived queries ---

// FindTenantForGateway resolves the owning tenant, or nil when the gateway
// is absent or unassigned.
func (s *Store) FindTenantForGateway(ctx context.Context, gatewayUUID string) (*Tenant, error) {
	g, err := s.GetGateway(ctx, gatewayUUID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !g.Assigned() {
		return nil, nil
	}
	t, err := s.GetTenant(ctx, g.TenantID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// SweepOffline marks gateways offline whose last contact is older than the
// threshold. Only online and unknown gateways transition; the sweep is
// idempotent. It returns the number of transitions.
func (s *Store) SweepOffline(ctx context.Context, threshold time.Duration) (int, error) {
	gateways, err := s.ListGateways(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	swept := 0
	for i := range gateways {
		g := &gateways[i]
		if g.Status != StatusOnline && g.Status != StatusUnknown {
			continue
		}
		if !g.Offline(threshold, now) {
			continue
		}
		g.Status = StatusOffline
		g.UpdatedAt = now
		if err := putJSON(ctx, s.collections.Gateways, g.UUID, g); err != nil {
			return swept, err
		}
		swept++
		s.logger.Info("gateway marked offline", "gateway_uuid", g.UUID)
	}
	return swept, nil
}

// FindFlowForGateway returns the gateway's routing binding
func (s *Store) FindFlowForGateway(ctx context.Context, gatewayUUID string) (Binding, error) {
	g, err := s.GetGateway(ctx, gatewayUUID)
	if err != nil {
		return Binding{}, err
	}
	return Binding{
		FlowID:          g.FlowID,
		FlowGroupID:     g.FlowGroupID,
		TemplateID:      g.TemplateID,
		TemplateGroupID: g.TemplateGroupID,
	}, nil
}

// FindFlowForDevice returns the device's own binding when present, falling
// back to its gateway's.
func (s *Store) FindFlowForDevice(ctx context.Context, gatewayUUID, deviceID string) (Binding, error) {
	d, err := s.GetDevice(ctx, gatewayUUID, deviceID)
	if err == nil && d.FlowID != "" {
		return Binding{FlowID: d.FlowID}, nil
	}
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return Binding{}, err
	}
	return s.FindFlowForGateway(ctx, gatewayUUID)
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	case int:
		return fmt.Sprintf("%d", s)
	default:
		return ""
	}
}

// statusCode reads a message code carried in the device status, 0 when absent
func statusCode(status map[string]any) int {
	switch c := status["code"].(type) {
	case float64:
		return int(c)
	case int:
		return c
	case int64:
		return int(c)
	default:
		return 0
	}
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
