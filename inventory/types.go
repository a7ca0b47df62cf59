// Package inventory is the persistent system of record: tenants, gateways,
// devices and the flow/template bindings that route their traffic. Records
// live in JetStream key-value buckets, one bucket per collection.
package inventory

import "time"

// Gateway statuses
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusUnknown     = "unknown"
	StatusMaintenance = "maintenance"
	StatusUnassigned  = "unassigned"
)

// Forwarding modes
const (
	ModeProduction = "production"
	ModeTest       = "test"
	ModeSandbox    = "sandbox"
)

// Tenant statuses
const (
	TenantActive   = "active"
	TenantInactive = "inactive"
)

// Tenant is a customer with delivery credentials and a target URL
type Tenant struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	URL                 string    `json:"url"`
	Username            string    `json:"username"`
	Password            string    `json:"password"`
	Namespace           string    `json:"namespace"`
	Status              string    `json:"status"`
	APIVersion          string    `json:"api_version,omitempty"`
	ImmediateForwarding bool      `json:"immediate_forwarding"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Active reports whether the tenant may receive deliveries
func (t *Tenant) Active() bool { return t.Status == TenantActive }

// HasCredentials reports whether basic-auth credentials are configured
func (t *Tenant) HasCredentials() bool { return t.Username != "" && t.Password != "" }

// CustomerConfig is the view of a tenant handed to template rendering
func (t *Tenant) CustomerConfig() map[string]any {
	return map[string]any{
		"name":      t.Name,
		"namespace": t.Namespace,
		"url":       t.URL,
	}
}

// Gateway is a field gateway, unique by UUID. TenantID is empty while the
// gateway is unassigned.
type Gateway struct {
	UUID              string         `json:"uuid"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TenantID          string         `json:"tenant_id,omitempty"`
	FlowID            string         `json:"flow_id,omitempty"`
	FlowGroupID       string         `json:"flow_group_id,omitempty"`
	TemplateID        string         `json:"template_id,omitempty"`
	TemplateGroupID   string         `json:"template_group_id,omitempty"`
	Status            string         `json:"status"`
	LastContact       *time.Time     `json:"last_contact,omitempty"`
	ForwardingEnabled bool           `json:"forwarding_enabled"`
	ForwardingMode    string         `json:"forwarding_mode"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Assigned reports whether the gateway belongs to a tenant
func (g *Gateway) Assigned() bool { return g.TenantID != "" && g.Status != StatusUnassigned }

// Offline applies the derived-status rule: a gateway is offline when its
// last contact is unset or older than the threshold.
func (g *Gateway) Offline(threshold time.Duration, now time.Time) bool {
	return g.LastContact == nil || now.Sub(*g.LastContact) > threshold
}

// Device is a sensor attached to a gateway, unique by (gateway uuid, id)
type Device struct {
	GatewayUUID string         `json:"gateway_uuid"`
	DeviceID    string         `json:"device_id"`
	DeviceType  string         `json:"device_type"`
	Name        string         `json:"name,omitempty"`
	Status      map[string]any `json:"status,omitempty"`
	FlowID      string         `json:"flow_id,omitempty"`
	LastUpdate  time.Time      `json:"last_update"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Binding is the flow/template resolution for a gateway or device
type Binding struct {
	FlowID          string `json:"flow_id,omitempty"`
	FlowGroupID     string `json:"flow_group_id,omitempty"`
	TemplateID      string `json:"template_id,omitempty"`
	TemplateGroupID string `json:"template_group_id,omitempty"`
}

// Empty reports whether no binding is configured
func (b Binding) Empty() bool {
	return b.FlowID == "" && b.FlowGroupID == "" && b.TemplateID == "" && b.TemplateGroupID == ""
}
