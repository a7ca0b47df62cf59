package normalize

import (
	"fmt"
	"strings"

	tgerrors "github.com/telemetrygate/telemetrygate/errors"
)

// topLevelIDKeys is the search order for gateway identifiers at the top level
var topLevelIDKeys = []string{"gateway_id", "gateway_uuid", "gatewayId", "uuid"}

// ExtractGatewayID finds the gateway identifier in a raw message. It searches
// top-level keys first, then gateway.uuid and gateway.id, finally
// data.gateway_id. Values are trimmed; an empty result counts as absent.
func ExtractGatewayID(raw map[string]any) (string, error) {
	if raw == nil {
		return "", tgerrors.WrapInvalid(tgerrors.ErrMissingGatewayID, "normalize", "ExtractGatewayID", "nil message")
	}

	for _, key := range topLevelIDKeys {
		if id := stringValue(raw[key]); id != "" {
			return id, nil
		}
	}

	if gw, ok := raw["gateway"].(map[string]any); ok {
		if id := stringValue(gw["uuid"]); id != "" {
			return id, nil
		}
		if id := stringValue(gw["id"]); id != "" {
			return id, nil
		}
	}

	if data, ok := raw["data"].(map[string]any); ok {
		if id := stringValue(data["gateway_id"]); id != "" {
			return id, nil
		}
	}

	return "", tgerrors.WrapInvalid(tgerrors.ErrMissingGatewayID, "normalize", "ExtractGatewayID", "identifier search")
}

// stringValue renders a scalar as a trimmed string, or "" when it is absent
// or not a usable identifier.
func stringValue(v any) string {
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
	case int64:
		return fmt.Sprintf("%d", s)
	case bool:
		return ""
	default:
		return ""
	}
}
