package relay

import (
	"context"
	"errors"
	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/jmrl23/capstone-backend/internal/directory"
	"github.com/jmrl23/capstone-backend/internal/metrics"
	"github.com/jmrl23/capstone-backend/internal/mqtt"
	"github.com/jmrl23/capstone-backend/internal/topic"
)

// Fanout receives broadcast-channel arrivals and distributes them to the
// connections entitled to see them. Implemented by realtime.Hub.
type Fanout interface {
	BroadcastDevice(ctx context.Context, rawTopic string, channel topic.Channel, deviceKey string, payload []byte)
}

// Engine is the state machine driven by inbound broker messages. It is
// stateless between messages; all state lives on the device record.
type Engine struct {
	broker  mqtt.Broker
	devices *directory.Devices
	fanout  Fanout
}

func New(broker mqtt.Broker, devices *directory.Devices, fanout Fanout) *Engine {
	return &Engine{broker: broker, devices: devices, fanout: fanout}
}

// Handler adapts the engine to the paho callback signature.
func (e *Engine) Handler() mqtt.Handler {
	return func(_ paho.Client, msg mqtt.Message) {
		e.HandleMessage(context.Background(), msg.Topic(), msg.Payload())
	}
}

// HandleMessage applies one broker message. Broker input is untrusted
// firmware traffic: unknown keys, unknown channels and malformed payloads
// are dropped without error.
func (e *Engine) HandleMessage(ctx context.Context, rawTopic string, payload []byte) {
	channel, key := topic.Parse(rawTopic)
	label := string(channel)
	if !channel.Known() {
		label = "unknown"
	}
	metrics.BrokerMessages.WithLabelValues(label).Inc()
	slog.Debug("mqtt message", "topic", rawTopic, "message", string(payload))

	device, err := e.devices.GetByKey(ctx, key)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			slog.Error("device lookup failed", "topic", rawTopic, "error", err)
		}
		return
	}

	switch channel {
	case topic.SyncRequest:
		ringing := "0"
		if device.IsRinging {
			ringing = "1"
		}
		e.publish(topic.SyncInternal, key, ringing)
		e.publish(topic.SyncBroadcast, key, "")

	case topic.Press:
		if _, err := e.devices.AddPress(ctx, device.ID); err != nil {
			slog.Error("press append failed", "device_id", device.ID, "error", err)
			return
		}
		e.publish(topic.SyncRequest, key, "")

	case topic.RingCommand:
		var state bool
		switch string(payload) {
		case "ON":
			state = true
		case "OFF":
			state = false
		default:
			// Firmware sent something that is not a ring state; ignore.
			return
		}
		if _, err := e.devices.SetRinging(ctx, device.ID, state); err != nil {
			slog.Error("ring toggle failed", "device_id", device.ID, "error", err)
			return
		}
		e.publish(topic.SyncRequest, key, "")

	case topic.SyncBroadcast:
		if e.fanout != nil {
			e.fanout.BroadcastDevice(ctx, rawTopic, channel, key, payload)
		}

	default:
		// Unrecognized channel, or sync-internal which the relay only emits.
	}
}

func (e *Engine) publish(ch topic.Channel, key, payload string) {
	t := topic.Format(ch, key)
	if err := e.broker.Publish(t, []byte(payload)); err != nil {
		slog.Error("mqtt publish failed", "topic", t, "error", err)
	}
}
