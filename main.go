package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bms-gateway/canbus"
	"bms-gateway/gateway"
	"bms-gateway/metrics"
	"bms-gateway/telemetry"
)

// SafeGo launches a worker goroutine with panic recovery. A worker that
// fails, by returning an error or panicking, cancels the root context to
// trigger orderly shutdown of the whole gateway: a broken bus leaves the
// system in an undefined state and partial operation is not attempted.
func SafeGo(ctx context.Context, cancel context.CancelFunc, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Panic in %s: %v\n", name, r)
				cancel()
			}
		}()

		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			log.Printf("%s failed: %v\n", name, err)
			cancel()
		}
	}()
}

func main() {
	log.Println("Starting bms-gateway...")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open all bus handles up front so a bad interface fails fast, and
	// close them on every exit path.
	var buses []canbus.Bus
	closeBuses := func() {
		for _, b := range buses {
			if err := b.Close(); err != nil {
				log.Printf("Error closing bus: %v\n", err)
			}
		}
	}
	defer closeBuses()

	// Launch one input worker per battery-side bus
	var inputs []*gateway.Input
	for _, ic := range cfg.Inputs {
		bus, err := canbus.Open(ic.Interface)
		if err != nil {
			log.Printf("Failed to open %s: %v\n", ic.Interface, err)
			return
		}
		buses = append(buses, bus)

		in := gateway.NewInput(ic, bus)
		inputs = append(inputs, in)
		SafeGo(ctx, cancel, ic.Description+"-input", in.Run)
	}

	// Launch one output worker per inverter-side bus
	var sinks []gateway.StateSink
	for _, oc := range cfg.Outputs {
		bus, err := canbus.Open(oc.Interface)
		if err != nil {
			log.Printf("Failed to open %s: %v\n", oc.Interface, err)
			return
		}
		buses = append(buses, bus)

		out := gateway.NewOutput(oc, bus)
		sinks = append(sinks, out)
		SafeGo(ctx, cancel, oc.Description+"-output", out.Run)
	}

	// Launch MQTT telemetry broadcaster
	if cfg.MQTTEnabled {
		broadcaster := telemetry.NewBroadcaster(cfg.MQTT)
		sinks = append(sinks, broadcaster)
		SafeGo(ctx, cancel, "mqtt-broadcaster", broadcaster.Run)
		log.Println("MQTT broadcaster started")
	}

	// Launch prometheus metrics server
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector()
		sinks = append(sinks, collector)
		SafeGo(ctx, cancel, "metrics-server", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr, collector)
		})
	}

	// Launch the gateway cycle
	combiner := gateway.NewCombiner(cfg.Battery)
	gw := gateway.New(inputs, combiner, sinks...)
	SafeGo(ctx, cancel, "gateway", gw.Run)

	// Wait for interrupt signal or context cancellation (from worker failure)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	cancel()
}
