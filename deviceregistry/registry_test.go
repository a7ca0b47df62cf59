package deviceregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDeviceType(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		code   int
		want   string
	}{
		{
			name:   "panic via alarmtype",
			values: map[string]any{"alarmtype": "panic", "alarmstatus": "alarm"},
			want:   TypePanicButton,
		},
		{
			name:   "alarmstatus alone is not a panic button",
			values: map[string]any{"alarmstatus": "normal", "magnetstatus": "open"},
			want:   TypeDoorWindowSensor,
		},
		{
			name:   "temperature humidity",
			values: map[string]any{"temperature": 21.5, "humidity": 40},
			want:   TypeTempHumiditySensor,
		},
		{
			name:   "current-prefixed temperature humidity pair",
			values: map[string]any{"currenttemperature": 21.5, "currenthumidity": 40},
			want:   TypeTempHumiditySensor,
		},
		{
			name:   "temperature alone does not identify",
			values: map[string]any{"temperature": 25},
			want:   TypeUnknown,
		},
		{
			name:   "door sensor",
			values: map[string]any{"magnetstatus": "open", "batterylevel": 95},
			want:   TypeDoorWindowSensor,
		},
		{
			name:   "constrained field with foreign value does not identify",
			values: map[string]any{"magnetstatus": "ajar"},
			want:   TypeUnknown,
		},
		{
			name:   "motion sensor",
			values: map[string]any{"motionstatus": "motion"},
			want:   TypeMotionSensor,
		},
		{
			name:   "smoke detector outranks temperature field",
			values: map[string]any{"smokestatus": "alarm", "temperature": 30, "humidity": 50},
			want:   TypeSmokeDetector,
		},
		{
			name:   "message code fallback",
			values: map[string]any{"foo": "bar"},
			code:   2020,
			want:   TypeSmokeDetector,
		},
		{
			name:   "fields win over message code",
			values: map[string]any{"motionstatus": "motion"},
			code:   2020,
			want:   TypeMotionSensor,
		},
		{
			name:   "unknown",
			values: map[string]any{"foo": "bar"},
			want:   TypeUnknown,
		},
		{
			name: "code without typical devices",
			code: 1000,
			want: TypeUnknown,
		},
		{
			name:   "nil map",
			values: nil,
			want:   TypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDeviceType(tt.values, tt.code))
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid panic button", func(t *testing.T) {
		err := Validate(TypePanicButton, map[string]any{
			"alarmstatus":  "alarm",
			"batterylevel": 88,
		})
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := Validate(TypePanicButton, map[string]any{"batterylevel": 88})
		assert.Error(t, err)
	})

	t.Run("enum value out of set", func(t *testing.T) {
		err := Validate(TypeDoorWindowSensor, map[string]any{"magnetstatus": "ajar"})
		assert.Error(t, err)
	})

	t.Run("numeric out of range", func(t *testing.T) {
		err := Validate(TypeTempHumiditySensor, map[string]any{
			"temperature": 200,
			"humidity":    50,
		})
		assert.Error(t, err)
	})

	t.Run("numeric from string", func(t *testing.T) {
		err := Validate(TypeTempHumiditySensor, map[string]any{
			"temperature": "21.5",
			"humidity":    "40",
		})
		assert.NoError(t, err)
	})

	t.Run("unknown type validates anything", func(t *testing.T) {
		assert.NoError(t, Validate(TypeUnknown, map[string]any{"whatever": 1}))
		assert.NoError(t, Validate("not-a-type", nil))
	})
}

func TestCatalogLookups(t *testing.T) {
	info := TypeInfoFor(TypePanicButton)
	assert.Equal(t, "panic_alarm", info.DefaultTemplate)

	assert.Equal(t, catalog[TypeUnknown], TypeInfoFor("bogus"))

	types := Types()
	require.NotEmpty(t, types)
	assert.Equal(t, TypePanicButton, types[0].Type)

	code, ok := MessageCodeInfo(2030)
	require.True(t, ok)
	assert.Equal(t, "panic_alarm", code.Name)

	_, ok = MessageCodeInfo(9999)
	assert.False(t, ok)

	assert.Contains(t, SuitableTemplates(TypeSmokeDetector), "fire_alarm")
	assert.Equal(t, "status_update", DefaultTemplate(TypeMotionSensor))
}

func TestMQTTTopics(t *testing.T) {
	topics := MQTTTopics("gw-1234", TypeMotionSensor, "device-abcd")
	assert.Equal(t, "gateways/gw-1234/devices/device-abcd/telemetry", topics["telemetry"])
	assert.Equal(t, "gateways/gw-1234/devices/device-abcd/command", topics["command"])
	assert.Equal(t, "devicetypes/motion_sensor", topics["type"])
}
