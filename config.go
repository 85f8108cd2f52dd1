package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bms-gateway/gateway"
	"bms-gateway/pylontech"
	"bms-gateway/telemetry"
)

// Defaults mirror a single-inverter setup with generous limits; every value
// can be overridden through the environment (or a .env file).
const (
	defaultILimCharge    = 300.0
	defaultILimDischarge = 300.0
	defaultSyncInterval  = 5 * time.Second
	defaultMQTTBroker    = "localhost"
	defaultMQTTPort      = 1883
	defaultMQTTTopic     = "tele/bms/state"
	defaultMQTTInterval  = 10 * time.Second
	defaultMQTTClientID  = "bms-gateway"
)

// Config is the full gateway configuration.
type Config struct {
	Inputs  []gateway.InputConfig
	Outputs []gateway.OutputConfig
	Battery gateway.CombinerConfig

	MQTTEnabled bool
	MQTT        telemetry.Config

	// MetricsAddr enables the prometheus endpoint when non-empty.
	MetricsAddr string
}

// loadConfig reads the whole configuration from environment variables.
// Per-channel values are comma-separated lists aligned with the interface
// lists.
func loadConfig() (Config, error) {
	var cfg Config

	inIfs := envList("BMS_IN_INTERFACES")
	if len(inIfs) == 0 {
		return cfg, fmt.Errorf("BMS_IN_INTERFACES must list at least one CAN interface")
	}
	capacities, err := floatList("BMS_IN_CAPACITIES_AH", len(inIfs), 0)
	if err != nil {
		return cfg, err
	}
	pollIntervals, err := durationList("BMS_IN_POLL_INTERVALS", len(inIfs), 0)
	if err != nil {
		return cfg, err
	}
	inNames := envList("BMS_IN_DESCRIPTIONS")

	for i, ifname := range inIfs {
		if capacities[i] <= 0 {
			return cfg, fmt.Errorf("BMS_IN_CAPACITIES_AH[%d]: capacity must be > 0, got %v", i, capacities[i])
		}
		desc := fmt.Sprintf("Battery %d", i+1)
		if i < len(inNames) && inNames[i] != "" {
			desc = inNames[i]
		}
		cfg.Inputs = append(cfg.Inputs, gateway.InputConfig{
			Interface:    ifname,
			Description:  desc,
			CapacityAh:   capacities[i],
			PollInterval: pollIntervals[i],
		})
	}

	outIfs := envList("BMS_OUT_INTERFACES")
	if len(outIfs) == 0 {
		return cfg, fmt.Errorf("BMS_OUT_INTERFACES must list at least one CAN interface")
	}
	outLimCharge, err := floatList("BMS_OUT_I_LIM_CHARGE", len(outIfs), defaultILimCharge)
	if err != nil {
		return cfg, err
	}
	outLimDischarge, err := floatList("BMS_OUT_I_LIM_DISCHARGE", len(outIfs), defaultILimDischarge)
	if err != nil {
		return cfg, err
	}
	outScaling, err := floatList("BMS_OUT_I_SCALING", len(outIfs), 1.0)
	if err != nil {
		return cfg, err
	}
	outOffset, err := floatList("BMS_OUT_I_OFFSET", len(outIfs), 0)
	if err != nil {
		return cfg, err
	}
	outSendSync, err := boolList("BMS_OUT_SEND_SYNC", len(outIfs), false)
	if err != nil {
		return cfg, err
	}
	outSyncIntervals, err := durationList("BMS_OUT_SYNC_INTERVALS", len(outIfs), defaultSyncInterval)
	if err != nil {
		return cfg, err
	}
	outPushDelays, err := durationList("BMS_OUT_PUSH_MIN_DELAYS", len(outIfs), 0)
	if err != nil {
		return cfg, err
	}
	outNames := envList("BMS_OUT_DESCRIPTIONS")

	for i, ifname := range outIfs {
		desc := fmt.Sprintf("Inverter %d", i+1)
		if i < len(outNames) && outNames[i] != "" {
			desc = outNames[i]
		}
		cfg.Outputs = append(cfg.Outputs, gateway.OutputConfig{
			Interface:   ifname,
			Description: desc,
			Params: pylontech.OutputParams{
				ILimCharge:    outLimCharge[i],
				ILimDischarge: outLimDischarge[i],
				IScaling:      outScaling[i],
				IOffset:       outOffset[i],
			},
			SendSync:     outSendSync[i],
			SyncInterval: outSyncIntervals[i],
			PushMinDelay: outPushDelays[i],
		})
	}

	cfg.Battery = gateway.CombinerConfig{
		ILimCharge:    envFloat("BATTERY_I_LIM_CHARGE", defaultILimCharge),
		ILimDischarge: envFloat("BATTERY_I_LIM_DISCHARGE", defaultILimDischarge),
		IScaling:      envFloat("BATTERY_I_SCALING", 1.0),
		IOffset:       envFloat("BATTERY_I_OFFSET", 0),
	}

	cfg.MQTTEnabled = envBool("MQTT_ENABLED", false)
	cfg.MQTT = telemetry.Config{
		Broker:   envString("MQTT_BROKER", defaultMQTTBroker),
		Port:     envInt("MQTT_PORT", defaultMQTTPort),
		Topic:    envString("MQTT_TOPIC", defaultMQTTTopic),
		Interval: envDuration("MQTT_INTERVAL", defaultMQTTInterval),
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
		ClientID: envString("MQTT_CLIENT_ID", defaultMQTTClientID),
	}

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

// envList splits a comma-separated env var into trimmed entries. An unset
// or empty variable yields nil.
func envList(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// floatList parses a comma-separated list of n floats. An unset variable
// yields n defaults; an empty entry yields the default for that position.
func floatList(name string, n int, def float64) ([]float64, error) {
	out := make([]float64, n)
	for i := range out {
		out[i] = def
	}
	parts := envList(name)
	if parts == nil {
		return out, nil
	}
	if len(parts) != n {
		return nil, fmt.Errorf("%s: expected %d entries, got %d", name, n, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// durationList parses a comma-separated list of n durations given as
// seconds. An empty entry yields the default for that position.
func durationList(name string, n int, def time.Duration) ([]time.Duration, error) {
	secs, err := floatList(name, n, def.Seconds())
	if err != nil {
		return nil, err
	}
	out := make([]time.Duration, n)
	for i, s := range secs {
		out[i] = time.Duration(s * float64(time.Second))
	}
	return out, nil
}

// boolList parses a comma-separated list of n booleans.
func boolList(name string, n int, def bool) ([]bool, error) {
	out := make([]bool, n)
	for i := range out {
		out[i] = def
	}
	parts := envList(name)
	if parts == nil {
		return out, nil
	}
	if len(parts) != n {
		return nil, fmt.Errorf("%s: expected %d entries, got %d", name, n, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.ParseBool(p)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envFloat(name string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	v, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		return def
	}
	return time.Duration(v * float64(time.Second))
}
