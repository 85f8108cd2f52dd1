package gateway

import (
	"context"
	"log"
	"sync"

	"bms-gateway/pylontech"
)

// StateSink receives the combined state once per gateway cycle. SetState
// must not block on downstream transmission.
type StateSink interface {
	SetState(st pylontech.BatteryState)
}

// Gateway runs the multiplexing cycle: gather one fresh state from every
// input channel, combine them into the virtual battery state, and fan the
// result out to every output channel and telemetry sink.
type Gateway struct {
	inputs   []*Input
	combiner *Combiner
	sinks    []StateSink
}

// New creates a gateway over the given inputs. Outputs and telemetry
// collaborators are attached as sinks.
func New(inputs []*Input, combiner *Combiner, sinks ...StateSink) *Gateway {
	return &Gateway{
		inputs:   inputs,
		combiner: combiner,
		sinks:    sinks,
	}
}

// Run executes cycles until the context is cancelled. Every cycle waits for
// all inputs to produce a state newer than the one consumed in the previous
// cycle; there is no partial combination of a subset. A combination error
// is a configuration error and terminates the gateway.
func (g *Gateway) Run(ctx context.Context) error {
	log.Printf("gateway started with %d inputs and %d sinks\n", len(g.inputs), len(g.sinks))

	gens := make([]uint64, len(g.inputs))
	states := make([]pylontech.BatteryState, len(g.inputs))

	for {
		// Fan-in: await the next update from every input independently.
		var wg sync.WaitGroup
		for i, in := range g.inputs {
			wg.Add(1)
			go func(i int, in *Input) {
				defer wg.Done()
				st, gen, err := in.Next(ctx, gens[i])
				if err != nil {
					return
				}
				states[i] = st
				gens[i] = gen
			}(i, in)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Println("gateway stopped")
			return nil
		}

		combined, err := g.combiner.Combine(states)
		if err != nil {
			return err
		}

		// Fan-out: all sinks receive the same cycle result concurrently.
		var out sync.WaitGroup
		for _, sink := range g.sinks {
			out.Add(1)
			go func(sink StateSink) {
				defer out.Done()
				sink.SetState(combined)
			}(sink)
		}
		out.Wait()
	}
}
