// Package telemetry publishes the combined battery state to an MQTT topic
// on a fixed interval.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bms-gateway/gateway"
	"bms-gateway/pylontech"
)

// Config holds the MQTT broadcaster settings.
type Config struct {
	Broker   string
	Port     int
	Topic    string
	Interval time.Duration
	Username string
	Password string
	ClientID string
}

// statePayload is the published JSON document: the raw state record plus
// the decoded error and warning conditions.
type statePayload struct {
	pylontech.BatteryState
	Errors   pylontech.ErrorFlags   `json:"errors"`
	Warnings pylontech.WarningFlags `json:"warnings"`
}

// Broadcaster serializes the latest combined state to MQTT. SetState is
// fire-and-forget; the publish loop runs on its own timer.
type Broadcaster struct {
	cfg    Config
	client mqtt.Client
	box    *gateway.Mailbox
}

// NewBroadcaster creates a broadcaster for cfg. The connection is opened by
// Run and retried automatically.
func NewBroadcaster(cfg Config) *Broadcaster {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", cfg.Broker)
	})

	return &Broadcaster{
		cfg:    cfg,
		client: mqtt.NewClient(opts),
		box:    gateway.NewMailbox(),
	}
}

// SetState buffers st as the next state to publish. Never blocks.
func (b *Broadcaster) SetState(st pylontech.BatteryState) {
	b.box.Set(st)
}

// Run publishes the latest buffered state whenever one is available, at
// most once per configured interval, until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	log.Printf("Connecting to MQTT broker at %s...\n", b.cfg.Broker)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect: %w", token.Error())
	}
	defer func() {
		if b.client.IsConnected() {
			b.client.Disconnect(250)
			log.Println("Disconnected from MQTT broker")
		}
	}()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	var lastGen uint64
	for {
		st, gen, err := b.box.Next(ctx, lastGen)
		if err != nil {
			return nil
		}
		lastGen = gen

		payload, err := json.Marshal(statePayload{
			BatteryState: st,
			Errors:       pylontech.DecodeErrorFlags(st.ErrorFlags1, st.ErrorFlags2),
			Warnings:     pylontech.DecodeWarningFlags(st.WarningFlags1, st.WarningFlags2),
		})
		if err != nil {
			log.Printf("Failed to marshal state payload: %v\n", err)
			continue
		}

		token := b.client.Publish(b.cfg.Topic, 0, false, payload)
		if token.Wait() && token.Error() != nil {
			log.Printf("Failed to publish state: %v\n", token.Error())
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
