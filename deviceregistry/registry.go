// Package deviceregistry is the single source of truth for the device-type
// taxonomy: identifying fields, required fields, value constraints, default
// templates and the message-code catalog. The normalizer and selector consult
// it for type detection and template defaults.
package deviceregistry

import (
	"fmt"
	"sort"
)

// Device type identifiers
const (
	TypePanicButton        = "panic_button"
	TypeTempHumiditySensor = "temperature_humidity_sensor"
	TypeDoorWindowSensor   = "door_window_sensor"
	TypeMotionSensor       = "motion_sensor"
	TypeSmokeDetector      = "smoke_detector"
	TypeSecuritySensor     = "security_sensor"
	TypeUnknown            = "unknown"
)

// ValueRange constrains a numeric field
type ValueRange struct {
	Min float64
	Max float64
}

// TypeInfo describes a single device type in the catalog
type TypeInfo struct {
	Type              string
	Name              string
	Description       string
	IdentifyingFields []string
	RequiredFields    []string
	OptionalFields    []string
	ValueMappings     map[string][]string   // field -> allowed enum values
	ValueRanges       map[string]ValueRange // field -> numeric range
	DefaultTemplate   string
	SuitableTemplates []string
	Priority          int // higher wins when several types identify
	Icon              string
}

// CodeInfo describes a message code in the catalog
type CodeInfo struct {
	Code           int
	Name           string
	Description    string
	TypicalDevices []string
}

// catalog is the static device-type taxonomy. Loaded once; read-only after.
var catalog = map[string]TypeInfo{
	TypePanicButton: {
		Type:              TypePanicButton,
		Name:              "Panic Button",
		Description:       "Wireless panic / emergency call button",
		IdentifyingFields: []string{"alarmstatus", "alarmtype"},
		RequiredFields:    []string{"alarmstatus"},
		OptionalFields:    []string{"batterylevel", "onlinestatus", "signal"},
		ValueMappings: map[string][]string{
			"alarmstatus": {"alarm", "normal"},
			"alarmtype":   {"panic"},
		},
		ValueRanges: map[string]ValueRange{
			"batterylevel": {Min: 0, Max: 100},
		},
		DefaultTemplate:   "panic_alarm",
		SuitableTemplates: []string{"panic_alarm", "status_update"},
		Priority:          100,
		Icon:              "alert-octagon",
	},
	TypeTempHumiditySensor: {
		Type:              TypeTempHumiditySensor,
		Name:              "Temperature/Humidity Sensor",
		Description:       "Combined ambient temperature and humidity sensor",
		IdentifyingFields: []string{"temperature", "humidity", "currenttemperature", "currenthumidity"},
		RequiredFields:    []string{"temperature", "humidity"},
		OptionalFields:    []string{"batterylevel", "onlinestatus"},
		ValueRanges: map[string]ValueRange{
			"temperature":  {Min: -40, Max: 85},
			"humidity":     {Min: 0, Max: 100},
			"batterylevel": {Min: 0, Max: 100},
		},
		DefaultTemplate:   "status_update",
		SuitableTemplates: []string{"status_update", "environment_report"},
		Priority:          50,
		Icon:              "thermometer",
	},
	TypeDoorWindowSensor: {
		Type:              TypeDoorWindowSensor,
		Name:              "Door/Window Sensor",
		Description:       "Magnetic open/close contact sensor",
		IdentifyingFields: []string{"magnetstatus", "doorstatus"},
		RequiredFields:    []string{"magnetstatus"},
		OptionalFields:    []string{"batterylevel", "tamperstatus"},
		ValueMappings: map[string][]string{
			"magnetstatus": {"open", "closed"},
		},
		DefaultTemplate:   "status_update",
		SuitableTemplates: []string{"status_update", "intrusion_alert"},
		Priority:          60,
		Icon:              "door-closed",
	},
	TypeMotionSensor: {
		Type:              TypeMotionSensor,
		Name:              "Motion Sensor",
		Description:       "PIR motion detector",
		IdentifyingFields: []string{"motionstatus", "pirstatus"},
		RequiredFields:    []string{"motionstatus"},
		OptionalFields:    []string{"batterylevel", "sensitivity"},
		ValueMappings: map[string][]string{
			"motionstatus": {"motion", "clear"},
		},
		DefaultTemplate:   "status_update",
		SuitableTemplates: []string{"status_update", "intrusion_alert"},
		Priority:          60,
		Icon:              "radar",
	},
	TypeSmokeDetector: {
		Type:              TypeSmokeDetector,
		Name:              "Smoke Detector",
		Description:       "Optical smoke detector",
		IdentifyingFields: []string{"smokestatus", "smokealarm"},
		RequiredFields:    []string{"smokestatus"},
		OptionalFields:    []string{"batterylevel", "temperature"},
		ValueMappings: map[string][]string{
			"smokestatus": {"alarm", "normal"},
		},
		DefaultTemplate:   "fire_alarm",
		SuitableTemplates: []string{"fire_alarm", "status_update"},
		Priority:          90,
		Icon:              "flame",
	},
	TypeSecuritySensor: {
		Type:              TypeSecuritySensor,
		Name:              "Security Sensor",
		Description:       "Generic security sensor reporting arm/alarm state",
		IdentifyingFields: []string{"armstatus", "securitystatus"},
		RequiredFields:    []string{"armstatus"},
		OptionalFields:    []string{"batterylevel", "zone"},
		DefaultTemplate:   "status_update",
		SuitableTemplates: []string{"status_update", "intrusion_alert"},
		Priority:          40,
		Icon:              "shield",
	},
	TypeUnknown: {
		Type:              TypeUnknown,
		Name:              "Unknown Device",
		Description:       "Unrecognized device type",
		DefaultTemplate:   "status_update",
		SuitableTemplates: []string{"status_update"},
		Priority:          0,
		Icon:              "help-circle",
	},
}

// messageCodes is the message-code catalog
var messageCodes = map[int]CodeInfo{
	2030: {
		Code:           2030,
		Name:           "panic_alarm",
		Description:    "Panic button pressed",
		TypicalDevices: []string{TypePanicButton},
	},
	2000: {
		Code:           2000,
		Name:           "status_report",
		Description:    "Periodic device status report",
		TypicalDevices: []string{TypeTempHumiditySensor, TypeDoorWindowSensor, TypeMotionSensor},
	},
	2010: {
		Code:           2010,
		Name:           "intrusion_alarm",
		Description:    "Intrusion detected",
		TypicalDevices: []string{TypeDoorWindowSensor, TypeMotionSensor, TypeSecuritySensor},
	},
	2020: {
		Code:           2020,
		Name:           "fire_alarm",
		Description:    "Smoke or fire detected",
		TypicalDevices: []string{TypeSmokeDetector},
	},
	1000: {
		Code:           1000,
		Name:           "heartbeat",
		Description:    "Gateway heartbeat",
		TypicalDevices: nil,
	},
}

// TypeInfoFor returns the catalog entry for a device type, falling back to
// the unknown entry.
func TypeInfoFor(deviceType string) TypeInfo {
	if info, ok := catalog[deviceType]; ok {
		return info
	}
	return catalog[TypeUnknown]
}

// Types returns all known device types, highest priority first
func Types() []TypeInfo {
	infos := make([]TypeInfo, 0, len(catalog))
	for _, info := range catalog {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// MessageCodeInfo returns the catalog entry for a message code
func MessageCodeInfo(code int) (CodeInfo, bool) {
	info, ok := messageCodes[code]
	return info, ok
}

// SuitableTemplates returns the template names suitable for a device type
func SuitableTemplates(deviceType string) []string {
	info := TypeInfoFor(deviceType)
	out := make([]string, len(info.SuitableTemplates))
	copy(out, info.SuitableTemplates)
	return out
}

// DefaultTemplate returns the default template name for a device type
func DefaultTemplate(deviceType string) string {
	return TypeInfoFor(deviceType).DefaultTemplate
}

// MQTTTopics returns the MQTT topic layout for a device, keyed by purpose
func MQTTTopics(gatewayUUID, deviceType, deviceID string) map[string]string {
	base := fmt.Sprintf("gateways/%s/devices/%s", gatewayUUID, deviceID)
	return map[string]string{
		"telemetry": base + "/telemetry",
		"status":    base + "/status",
		"command":   base + "/command",
		"type":      fmt.Sprintf("devicetypes/%s", deviceType),
	}
}
