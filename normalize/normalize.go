package normalize

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/telemetrygate/telemetrygate/deviceregistry"
)

// Normalizer turns raw inbound payloads into canonical messages. The zero
// value is not usable; construct with New.
type Normalizer struct {
	logger *slog.Logger
	now    Clock
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithClock overrides the time source, for deterministic output
func WithClock(c Clock) Option {
	return func(n *Normalizer) { n.now = c }
}

// New creates a Normalizer
func New(logger *slog.Logger, opts ...Option) *Normalizer {
	n := &Normalizer{
		logger: logger.With("component", "normalizer"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// keys that identify the gateway or carry structure rather than metadata
var nonMetadataKeys = map[string]bool{
	"gateway_id": true, "gateway_uuid": true, "gatewayId": true, "uuid": true,
	"gateway": true, "data": true, "message": true,
	"subdevicelist": true, "subdevices": true, "devices": true, "sensors": true,
	"subdeviceid": true,
}

// Normalize transforms a raw payload into the canonical shape. The gateway
// identifier must be extractable; everything else is best-effort.
func (n *Normalizer) Normalize(raw map[string]any, sourceIP string) (*CanonicalMessage, error) {
	gatewayID, err := ExtractGatewayID(raw)
	if err != nil {
		return nil, err
	}

	body := messageBody(raw)
	now := n.now().UTC()

	msg := &CanonicalMessage{
		Gateway: Gateway{
			ID:       gatewayID,
			Type:     "gateway",
			Metadata: map[string]any{},
		},
		Devices: []Device{},
		Metadata: Metadata{
			ReceivedAt:   now.Format(time.RFC3339),
			SourceIP:     sourceIP,
			NormalizedAt: now.Format(time.RFC3339),
		},
		RawMessage: raw,
	}

	if ts, ok := epochSeconds(body["ts"]); ok {
		msg.Gateway.Metadata["timestamp"] = ts
		msg.Gateway.Metadata["last_seen"] = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}

	switch {
	case isPanicShort(body):
		msg.Metadata.FormatType = FormatPanicShort
		n.normalizePanicShort(body, msg)
	case isSubdeviceList(body):
		msg.Metadata.FormatType = FormatSubdeviceList
		n.normalizeSubdeviceList(body, msg)
	default:
		msg.Metadata.FormatType = FormatGeneric
		n.normalizeGeneric(body, msg)
	}

	n.logger.Debug("message normalized",
		"gateway_id", gatewayID,
		"format", msg.Metadata.FormatType,
		"devices", len(msg.Devices))

	return msg, nil
}

// messageBody returns the content subtree. Structured pushes wrap the payload
// in a "message" object; bare pushes put everything at the top level.
func messageBody(raw map[string]any) map[string]any {
	if inner, ok := raw["message"].(map[string]any); ok {
		return inner
	}
	return raw
}

func isPanicShort(body map[string]any) bool {
	code, ok := epochSeconds(body["code"])
	if !ok || code != 2030 {
		return false
	}
	_, hasSub := body["subdeviceid"]
	return hasSub
}

func isSubdeviceList(body map[string]any) bool {
	_, ok := body["subdevicelist"].([]any)
	return ok
}

func (n *Normalizer) normalizePanicShort(body map[string]any, msg *CanonicalMessage) {
	values := scalarFields(body)
	if _, ok := values["alarmstatus"]; !ok {
		values["alarmstatus"] = "alarm"
	}
	if _, ok := values["alarmtype"]; !ok {
		values["alarmtype"] = "panic"
	}

	msg.Devices = append(msg.Devices, Device{
		ID:       stringValue(body["subdeviceid"]),
		Type:     deviceregistry.TypePanicButton,
		Values:   values,
		LastSeen: msg.Metadata.ReceivedAt,
	})
	copyGatewayMetadata(body, msg)
}

func (n *Normalizer) normalizeSubdeviceList(body map[string]any, msg *CanonicalMessage) {
	copyGatewayMetadata(body, msg)

	list, _ := body["subdevicelist"].([]any)
	for _, item := range list {
		sub, ok := item.(map[string]any)
		if !ok {
			continue
		}
		values := map[string]any{}
		if v, ok := sub["value"].(map[string]any); ok {
			for k, val := range v {
				values[k] = val
			}
		}
		msg.Devices = append(msg.Devices, Device{
			ID:       stringValue(sub["id"]),
			Type:     deviceregistry.DetectDeviceType(values, bodyCode(body)),
			Values:   values,
			LastSeen: msg.Metadata.ReceivedAt,
		})
	}
}

func (n *Normalizer) normalizeGeneric(body map[string]any, msg *CanonicalMessage) {
	copyGatewayMetadata(body, msg)

	for _, key := range []string{"devices", "subdevices", "subdevicelist", "sensors"} {
		list, ok := body[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			sub, ok := item.(map[string]any)
			if !ok {
				continue
			}
			values := map[string]any{}
			if v, ok := sub["value"].(map[string]any); ok {
				for k, val := range v {
					values[k] = val
				}
			} else {
				values = scalarFields(sub)
			}
			msg.Devices = append(msg.Devices, Device{
				ID:       stringValue(sub["id"]),
				Type:     deviceregistry.DetectDeviceType(values, bodyCode(body)),
				Values:   values,
				LastSeen: msg.Metadata.ReceivedAt,
			})
		}
		return
	}

	if _, hasSub := body["subdeviceid"]; hasSub {
		values := scalarFields(body)
		msg.Devices = append(msg.Devices, Device{
			ID:       stringValue(body["subdeviceid"]),
			Type:     deviceregistry.DetectDeviceType(values, bodyCode(body)),
			Values:   values,
			LastSeen: msg.Metadata.ReceivedAt,
		})
		return
	}

	// Alarm codes still produce a device even when the payload carries no
	// subdevice identifier.
	if code, ok := epochSeconds(body["code"]); ok && code == 2030 {
		values := scalarFields(body)
		values["alarmstatus"] = "alarm"
		values["alarmtype"] = "panic"
		msg.Devices = append(msg.Devices, Device{
			ID:       syntheticDeviceID(msg.Gateway.ID),
			Type:     deviceregistry.TypePanicButton,
			Values:   values,
			LastSeen: msg.Metadata.ReceivedAt,
		})
	}
}

// copyGatewayMetadata moves scalar top-level fields into gateway metadata
func copyGatewayMetadata(body map[string]any, msg *CanonicalMessage) {
	for k, v := range scalarFields(body) {
		if k == "ts" {
			continue
		}
		msg.Gateway.Metadata[k] = v
	}
}

// scalarFields returns the scalar entries of a map, skipping identifier and
// structural keys.
func scalarFields(m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		if nonMetadataKeys[k] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		out[k] = v
	}
	return out
}

func syntheticDeviceID(gatewayID string) string {
	return "device-" + lastN(gatewayID, 8)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// bodyCode reads the message code, 0 when absent
func bodyCode(body map[string]any) int {
	code, ok := epochSeconds(body["code"])
	if !ok {
		return 0
	}
	return int(code)
}

func epochSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err == nil
	default:
		return 0, false
	}
}
