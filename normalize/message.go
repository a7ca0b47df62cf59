// Package normalize converts the wire formats pushed by field gateways into
// one canonical message shape consumed by the rule, template and flow engines.
package normalize

import "time"

// Format discriminator values recorded in Metadata.FormatType
const (
	FormatPanicShort    = "panic_short"
	FormatSubdeviceList = "subdevicelist"
	FormatGeneric       = "generic"
)

// Gateway is the gateway portion of a canonical message
type Gateway struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

// Device is one sensor reading inside a canonical message
type Device struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Values   map[string]any `json:"values"`
	LastSeen string         `json:"last_seen"`
}

// Metadata carries provenance for a canonical message
type Metadata struct {
	ReceivedAt   string `json:"received_at"`
	SourceIP     string `json:"source_ip,omitempty"`
	FormatType   string `json:"format_type"`
	NormalizedAt string `json:"normalized_at"`
}

// CanonicalMessage is the unified post-normalization representation
type CanonicalMessage struct {
	Gateway    Gateway        `json:"gateway"`
	Devices    []Device       `json:"devices"`
	Metadata   Metadata       `json:"metadata"`
	RawMessage map[string]any `json:"raw_message"`
}

// AsMap flattens the canonical message into a string-keyed map, the shape the
// rule and template engines evaluate field paths against.
func (m *CanonicalMessage) AsMap() map[string]any {
	devices := make([]any, 0, len(m.Devices))
	for _, d := range m.Devices {
		devices = append(devices, map[string]any{
			"id":        d.ID,
			"type":      d.Type,
			"values":    d.Values,
			"last_seen": d.LastSeen,
		})
	}
	return map[string]any{
		"gateway": map[string]any{
			"id":       m.Gateway.ID,
			"type":     m.Gateway.Type,
			"metadata": m.Gateway.Metadata,
		},
		"devices": devices,
		"metadata": map[string]any{
			"received_at":   m.Metadata.ReceivedAt,
			"source_ip":     m.Metadata.SourceIP,
			"format_type":   m.Metadata.FormatType,
			"normalized_at": m.Metadata.NormalizedAt,
		},
		"raw_message": m.RawMessage,
	}
}

// Clock abstracts time for deterministic tests
type Clock func() time.Time
