// Package mqtt subscribes to gateway telemetry topics on an MQTT broker and
// feeds each publication into the ingest pipeline. Gateways that push over
// MQTT instead of HTTP land in the same process_message path.
package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/telemetrygate/telemetrygate/config"
	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/ingest"
	"github.com/telemetrygate/telemetrygate/pkg/retry"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds handed to paho on disconnect
	subscribeQoS      = 1
)

// Processor is the slice of the ingest service the input needs
type Processor interface {
	ProcessMessage(ctx context.Context, raw []byte, sourceIP, transport string) (*ingest.Outcome, error)
}

// Input bridges an MQTT subscription into the ingest pipeline
type Input struct {
	logger    *slog.Logger
	cfg       config.MQTTConfig
	processor Processor
	client    pahomqtt.Client
	running   atomic.Bool

	received atomic.Uint64
	failed   atomic.Uint64
}

// New creates an MQTT input
func New(logger *slog.Logger, cfg config.MQTTConfig, processor Processor) *Input {
	return &Input{
		logger:    logger.With("component", "mqtt_input"),
		cfg:       cfg,
		processor: processor,
	}
}

// Start connects to the broker and subscribes. Connection attempts are
// retried with backoff; paho reconnects on its own afterwards.
func (i *Input) Start(ctx context.Context) error {
	if i.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "mqtt_input", "Start", "input state check")
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(i.cfg.Broker).
		SetClientID(i.cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			i.logger.Warn("broker connection lost", "error", err)
		}).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			if token := client.Subscribe(i.cfg.Topic, subscribeQoS, i.handle); token.Wait() && token.Error() != nil {
				i.logger.Error("subscribe failed", "topic", i.cfg.Topic, "error", token.Error())
			}
		})

	client := pahomqtt.NewClient(opts)
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return errors.WrapTransient(errors.ErrStorageUnavailable, "mqtt_input", "Start",
				"connect to "+i.cfg.Broker+" timed out")
		}
		if token.Error() != nil {
			return errors.WrapTransient(token.Error(), "mqtt_input", "Start", "connect to "+i.cfg.Broker)
		}
		return nil
	})
	if err != nil {
		return err
	}

	i.client = client
	i.running.Store(true)
	i.logger.Info("mqtt input started", "broker", i.cfg.Broker, "topic", i.cfg.Topic)
	return nil
}

// Stop unsubscribes and disconnects
func (i *Input) Stop() {
	if !i.running.CompareAndSwap(true, false) {
		return
	}
	if token := i.client.Unsubscribe(i.cfg.Topic); token.Wait() && token.Error() != nil {
		i.logger.Warn("unsubscribe failed", "error", token.Error())
	}
	i.client.Disconnect(disconnectQuiesce)
	i.logger.Info("mqtt input stopped",
		"received", i.received.Load(),
		"failed", i.failed.Load())
}

// Running reports whether the input is connected and consuming
func (i *Input) Running() bool { return i.running.Load() }

// handle runs one publication through the ingest pipeline. Outcomes are the
// pipeline's business; only hard failures count as input errors.
func (i *Input) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	i.received.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	outcome, err := i.processor.ProcessMessage(ctx, msg.Payload(), "", "mqtt")
	if err != nil {
		i.failed.Add(1)
		i.logger.Warn("publication rejected", "topic", msg.Topic(), "error", err)
		return
	}
	i.logger.Debug("publication processed",
		"topic", msg.Topic(),
		"status", outcome.Status,
		"gateway_id", outcome.GatewayID)
}
