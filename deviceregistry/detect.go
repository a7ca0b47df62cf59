package deviceregistry

import (
	"fmt"
	"strconv"

	tgerrors "github.com/telemetrygate/telemetrygate/errors"
)

// DetectDeviceType identifies the device type from a flat value map. Each
// registered type is tested with its own constraints; when several match,
// the highest-priority match wins. When nothing identifies, the message
// code's first typical device decides, else unknown. Pass code 0 when the
// payload carries none.
func DetectDeviceType(values map[string]any, code int) string {
	if values != nil {
		best := ""
		bestPriority := -1
		for _, info := range Types() {
			if info.Type == TypeUnknown {
				continue
			}
			if !matchesIdentifying(info, values) {
				continue
			}
			if info.Priority > bestPriority {
				best = info.Type
				bestPriority = info.Priority
			}
		}
		if best != "" {
			return best
		}
	}
	if info, ok := messageCodes[code]; ok && len(info.TypicalDevices) > 0 {
		return info.TypicalDevices[0]
	}
	return TypeUnknown
}

// matchesIdentifying tests a type's identifying constraints. Panic buttons
// and temperature/humidity sensors carry constraints beyond field presence;
// every other type matches on any identifying field whose value, when the
// catalog constrains it, is in the allowed set.
func matchesIdentifying(info TypeInfo, values map[string]any) bool {
	switch info.Type {
	case TypePanicButton:
		s, ok := values["alarmtype"].(string)
		return ok && s == "panic"
	case TypeTempHumiditySensor:
		return (hasField(values, "temperature") || hasField(values, "currenttemperature")) &&
			(hasField(values, "humidity") || hasField(values, "currenthumidity"))
	}
	for _, field := range info.IdentifyingFields {
		v, ok := values[field]
		if !ok {
			continue
		}
		if allowed, constrained := info.ValueMappings[field]; constrained {
			s, isString := v.(string)
			if !isString || !contains(allowed, s) {
				continue
			}
		}
		return true
	}
	return false
}

func hasField(values map[string]any, field string) bool {
	_, ok := values[field]
	return ok
}

// Validate checks a value map against the catalog entry for the device type:
// required fields present, enum values in range, numeric values in bounds.
func Validate(deviceType string, values map[string]any) error {
	info := TypeInfoFor(deviceType)
	if info.Type == TypeUnknown {
		return nil
	}

	for _, field := range info.RequiredFields {
		if _, ok := values[field]; !ok {
			return tgerrors.WrapInvalid(tgerrors.ErrInvalidDevice, "deviceregistry", "Validate",
				fmt.Sprintf("required field %q for %s", field, deviceType))
		}
	}

	for field, allowed := range info.ValueMappings {
		raw, ok := values[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return tgerrors.WrapInvalid(tgerrors.ErrInvalidDevice, "deviceregistry", "Validate",
				fmt.Sprintf("string check on field %q for %s", field, deviceType))
		}
		if !contains(allowed, s) {
			return tgerrors.WrapInvalid(tgerrors.ErrInvalidDevice, "deviceregistry", "Validate",
				fmt.Sprintf("allowed-set check on field %q value %q for %s", field, s, deviceType))
		}
	}

	for field, rng := range info.ValueRanges {
		raw, ok := values[field]
		if !ok {
			continue
		}
		f, ok := toFloat(raw)
		if !ok {
			return tgerrors.WrapInvalid(tgerrors.ErrInvalidDevice, "deviceregistry", "Validate",
				fmt.Sprintf("numeric check on field %q for %s", field, deviceType))
		}
		if f < rng.Min || f > rng.Max {
			return tgerrors.WrapInvalid(tgerrors.ErrInvalidDevice, "deviceregistry", "Validate",
				fmt.Sprintf("range check on field %q value %v [%v, %v] for %s",
					field, f, rng.Min, rng.Max, deviceType))
		}
	}

	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
