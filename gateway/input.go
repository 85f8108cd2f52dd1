package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"bms-gateway/canbus"
	"bms-gateway/pylontech"
)

// InputConfig describes one battery-side BMS channel.
type InputConfig struct {
	Interface   string
	Description string
	// CapacityAh weights this battery in the combined averages.
	CapacityAh float64
	// PollInterval, when > 0, actively polls the BMS by sending the
	// inverter request frame periodically.
	PollInterval time.Duration
}

// Input owns one battery-side bus, reassembles its telegrams and publishes
// each successfully decoded state to a mailbox. The internal state record
// and assembler belong exclusively to the Run goroutine.
type Input struct {
	cfg   InputConfig
	bus   canbus.Bus
	asm   *pylontech.Assembler
	state pylontech.BatteryState
	box   *Mailbox
}

// NewInput creates a channel for cfg on bus.
func NewInput(cfg InputConfig, bus canbus.Bus) *Input {
	st := pylontech.NewBatteryState()
	st.CapacityAh = cfg.CapacityAh
	return &Input{
		cfg:   cfg,
		bus:   bus,
		asm:   pylontech.NewAssembler(),
		state: st,
		box:   NewMailbox(),
	}
}

// Next blocks until a state newer than lastGen was decoded and returns a
// copy of it together with its generation.
func (in *Input) Next(ctx context.Context, lastGen uint64) (pylontech.BatteryState, uint64, error) {
	return in.box.Next(ctx, lastGen)
}

// Run processes frames in arrival order until the context is cancelled or
// the bus fails. A bus failure is fatal and returned to the supervisor;
// decode failures are counted, logged and recovered at the next boundary.
func (in *Input) Run(ctx context.Context) error {
	log.Printf("%s input started on %s\n", in.cfg.Description, in.cfg.Interface)

	if in.cfg.PollInterval > 0 {
		poll := canbus.StartPeriodic(in.bus, pylontech.PollFrame(), in.cfg.PollInterval)
		defer poll.Stop()
	}

	for {
		select {
		case f, ok := <-in.bus.Frames():
			if !ok {
				return fmt.Errorf("%s: receive on %s: %w", in.cfg.Description, in.cfg.Interface, in.bus.Err())
			}

			switch in.asm.Feed(f) {
			case pylontech.PollSeen:
				in.state.TimestampLastInverterRequest = time.Now()

			case pylontech.TelegramReady:
				if err := in.asm.DecodeInto(&in.state); err != nil {
					log.Printf("%s: %v\n", in.cfg.Description, err)
					continue
				}
				in.box.Set(in.state.Copy())

			case pylontech.TelegramShort:
				log.Printf("%s: telegram boundary before full frame cycle, discarding\n", in.cfg.Description)
			}

		case <-ctx.Done():
			log.Printf("%s input stopped\n", in.cfg.Description)
			return nil
		}
	}
}
