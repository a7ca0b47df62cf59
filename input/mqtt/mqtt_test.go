package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetrygate/telemetrygate/config"
	tgerrors "github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/ingest"
)

type fakeProcessor struct {
	payloads [][]byte
	outcome  *ingest.Outcome
	err      error
}

func (f *fakeProcessor) ProcessMessage(_ context.Context, raw []byte, _, transport string) (*ingest.Outcome, error) {
	if transport != "mqtt" {
		panic("mqtt input must tag its transport")
	}
	f.payloads = append(f.payloads, raw)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ pahomqtt.Message = fakeMessage{}

func newInput(p Processor) *Input {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return New(logger, config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "test",
		Topic:    "gateways/+/telemetry",
	}, p)
}

func TestHandleFeedsIngest(t *testing.T) {
	p := &fakeProcessor{outcome: &ingest.Outcome{Status: ingest.StatusEnqueued, GatewayID: "gw-100"}}
	input := newInput(p)

	payload := []byte(`{"uuid":"gw-100","code":2030,"subdeviceid":93}`)
	input.handle(nil, fakeMessage{topic: "gateways/gw-100/telemetry", payload: payload})

	require.Len(t, p.payloads, 1)
	assert.Equal(t, payload, p.payloads[0])
	assert.Equal(t, uint64(1), input.received.Load())
	assert.Equal(t, uint64(0), input.failed.Load())
}

func TestHandleCountsRejections(t *testing.T) {
	p := &fakeProcessor{err: tgerrors.WrapInvalid(tgerrors.ErrMalformedMessage, "ingest", "ProcessMessage", "decode JSON")}
	input := newInput(p)

	input.handle(nil, fakeMessage{topic: "gateways/gw-100/telemetry", payload: []byte(`{broken`)})

	assert.Equal(t, uint64(1), input.received.Load())
	assert.Equal(t, uint64(1), input.failed.Load())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	input := newInput(&fakeProcessor{})
	input.Stop()
	assert.False(t, input.Running())
}
