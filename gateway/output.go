package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brutella/can"

	"bms-gateway/canbus"
	"bms-gateway/pylontech"
)

// OutputConfig describes one inverter-facing emulated BMS channel.
type OutputConfig struct {
	Interface   string
	Description string
	Params      pylontech.OutputParams

	// SendSync selects request-reply mode: the telegram is transmitted only
	// after the inverter poll frame was observed, and a poll frame of our
	// own is sent every SyncInterval to actively drive the cycle.
	SendSync     bool
	SyncInterval time.Duration

	// PushMinDelay rate-limits push mode; the delay is imposed before each
	// check for a new state.
	PushMinDelay time.Duration
}

// Output owns one inverter-facing bus and the encoded frame buffer for it.
// SetState swaps the buffer atomically and signals the transmit loop; it
// never waits for a transmission.
type Output struct {
	cfg OutputConfig
	bus canbus.Bus
	enc pylontech.Encoder

	mu      sync.Mutex
	frames  []can.Frame
	gen     uint64
	changed chan struct{}
}

// NewOutput creates a channel for cfg on bus, seeded with the telegram of a
// default state record so the buffer is never empty.
func NewOutput(cfg OutputConfig, bus canbus.Bus) *Output {
	enc := pylontech.Encoder{Params: cfg.Params}
	return &Output{
		cfg:     cfg,
		bus:     bus,
		enc:     enc,
		frames:  enc.Encode(pylontech.NewBatteryState()),
		changed: make(chan struct{}),
	}
}

// SetState encodes st and replaces the buffered telegram.
func (o *Output) SetState(st pylontech.BatteryState) {
	frames := o.enc.Encode(st)
	o.mu.Lock()
	o.frames = frames
	o.gen++
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

// Run transmits telegrams in the configured discipline until the context is
// cancelled. A bus failure is fatal and returned to the supervisor.
func (o *Output) Run(ctx context.Context) error {
	log.Printf("%s output started on %s\n", o.cfg.Description, o.cfg.Interface)
	defer log.Printf("%s output stopped\n", o.cfg.Description)

	if o.cfg.SendSync {
		poll := canbus.StartPeriodic(o.bus, pylontech.PollFrame(), o.cfg.SyncInterval)
		defer poll.Stop()
		return o.runReply(ctx)
	}
	return o.runPush(ctx)
}

// runPush transmits the telegram every time a new state is buffered,
// rate-limited by PushMinDelay.
func (o *Output) runPush(ctx context.Context) error {
	var lastSent uint64
	for {
		if o.cfg.PushMinDelay > 0 {
			select {
			case <-time.After(o.cfg.PushMinDelay):
			case <-ctx.Done():
				return nil
			}
		}

		frames, gen, err := o.next(ctx, lastSent)
		if err != nil {
			return nil
		}
		if err := o.transmit(frames); err != nil {
			return err
		}
		lastSent = gen
	}
}

// runReply waits for the inverter poll frame, then transmits as soon as a
// state newer than the last transmitted one is buffered, reusing an already
// buffered update if one arrived in the meantime.
func (o *Output) runReply(ctx context.Context) error {
	var lastSent uint64
	for {
	poll:
		for {
			select {
			case f, ok := <-o.bus.Frames():
				if !ok {
					return fmt.Errorf("%s: receive on %s: %w", o.cfg.Description, o.cfg.Interface, o.bus.Err())
				}
				if f.ID == pylontech.IDInverterRequest {
					break poll
				}
			case <-ctx.Done():
				return nil
			}
		}

		frames, gen, err := o.next(ctx, lastSent)
		if err != nil {
			return nil
		}
		if err := o.transmit(frames); err != nil {
			return err
		}
		lastSent = gen
	}
}

// next blocks until the buffered telegram generation exceeds lastGen.
func (o *Output) next(ctx context.Context, lastGen uint64) ([]can.Frame, uint64, error) {
	for {
		o.mu.Lock()
		if o.gen > lastGen {
			frames, gen := o.frames, o.gen
			o.mu.Unlock()
			return frames, gen, nil
		}
		ch := o.changed
		o.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, lastGen, ctx.Err()
		}
	}
}

func (o *Output) transmit(frames []can.Frame) error {
	for _, f := range frames {
		if err := o.bus.Publish(f); err != nil {
			return fmt.Errorf("%s: %w", o.cfg.Description, err)
		}
	}
	return nil
}
