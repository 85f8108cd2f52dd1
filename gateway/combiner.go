package gateway

import (
	"errors"
	"sync"

	"bms-gateway/pylontech"
)

// ErrDegenerateWeighting is returned when the summed capacity of all input
// states is not positive, which would make the weighted averages undefined.
var ErrDegenerateWeighting = errors.New("total battery capacity is not positive, weighted averages undefined")

// ErrNoInputStates is returned when Combine is called with an empty set.
var ErrNoInputStates = errors.New("no input states to combine")

// CombinerConfig holds the initial values of the combiner tunables.
type CombinerConfig struct {
	// ILimCharge and ILimDischarge cap the summed per-battery current
	// limits, in amperes.
	ILimCharge    float64
	ILimDischarge float64
	// IScaling and IOffset correct the summed total current.
	IScaling float64
	IOffset  float64
}

// Combiner fuses the states of all connected batteries into one virtual
// battery state. The tunables can be changed concurrently with Combine
// calls; each combination reads them as one consistent snapshot because the
// whole computation is serialized against the setters.
type Combiner struct {
	mu            sync.Mutex
	iLimCharge    float64
	iLimDischarge float64
	iScaling      float64
	iOffset       float64
}

// NewCombiner returns a combiner initialized from cfg.
func NewCombiner(cfg CombinerConfig) *Combiner {
	return &Combiner{
		iLimCharge:    cfg.ILimCharge,
		iLimDischarge: cfg.ILimDischarge,
		iScaling:      cfg.IScaling,
		iOffset:       cfg.IOffset,
	}
}

// SetIScaling sets the total current scaling factor.
func (c *Combiner) SetIScaling(v float64) {
	c.mu.Lock()
	c.iScaling = v
	c.mu.Unlock()
}

// SetIOffset sets the total current offset in amperes.
func (c *Combiner) SetIOffset(v float64) {
	c.mu.Lock()
	c.iOffset = v
	c.mu.Unlock()
}

// SetILimCharge sets the total charge current limit in amperes.
func (c *Combiner) SetILimCharge(v float64) {
	c.mu.Lock()
	c.iLimCharge = v
	c.mu.Unlock()
}

// SetILimDischarge sets the total discharge current limit in amperes.
func (c *Combiner) SetILimDischarge(v float64) {
	c.mu.Lock()
	c.iLimDischarge = v
	c.mu.Unlock()
}

// Combine fuses the input states into one virtual battery state. Inputs are
// never mutated; the result is built on a copy of the first state.
//
// Soc, soh, pack voltage and temperature are capacity-weighted averages.
// The charge voltage command is the minimum of all inputs. Capacity,
// currents, current limits, module counts and invalid telegram counts are
// summed. Error and warning flags are OR-ed, the enable bits AND-ed and the
// request bits OR-ed. The manufacturer is taken from the first input. The
// summed current then gets the global scaling and offset applied, and the
// summed limits are clamped by the global limits; global configuration
// tightens but never loosens the per-battery limits.
func (c *Combiner) Combine(states []pylontech.BatteryState) (pylontech.BatteryState, error) {
	if len(states) == 0 {
		return pylontech.BatteryState{}, ErrNoInputStates
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := states[0].Copy()
	socSum := state.Soc * state.CapacityAh
	sohSum := state.Soh * state.CapacityAh
	vSum := state.VAvg * state.CapacityAh
	tSum := state.TAvg * state.CapacityAh

	for _, add := range states[1:] {
		state.VChargeCmd = min(state.VChargeCmd, add.VChargeCmd)

		socSum += add.Soc * add.CapacityAh
		sohSum += add.Soh * add.CapacityAh
		vSum += add.VAvg * add.CapacityAh
		tSum += add.TAvg * add.CapacityAh

		state.CapacityAh += add.CapacityAh
		state.ITotal += add.ITotal
		// Summing the limits assumes well-tuned current distribution
		// between the parallel packs.
		state.ILimCharge += add.ILimCharge
		state.ILimDischarge += add.ILimDischarge
		state.NModules += add.NModules
		state.NInvalidDataTelegrams += add.NInvalidDataTelegrams

		state.ErrorFlags1 |= add.ErrorFlags1
		state.ErrorFlags2 |= add.ErrorFlags2
		state.WarningFlags1 |= add.WarningFlags1
		state.WarningFlags2 |= add.WarningFlags2

		state.ChargeEnable = state.ChargeEnable && add.ChargeEnable
		state.DischargeEnable = state.DischargeEnable && add.DischargeEnable
		state.ForceChargeRequest = state.ForceChargeRequest || add.ForceChargeRequest
		state.ForceChargeRequest2 = state.ForceChargeRequest2 || add.ForceChargeRequest2
		state.BalancingChargeRequest = state.BalancingChargeRequest || add.BalancingChargeRequest
	}

	if state.CapacityAh <= 0 {
		return pylontech.BatteryState{}, ErrDegenerateWeighting
	}

	avgFactor := 1.0 / state.CapacityAh
	state.Soc = socSum * avgFactor
	state.Soh = sohSum * avgFactor
	state.VAvg = vSum * avgFactor
	state.TAvg = tSum * avgFactor

	state.ITotal = state.ITotal*c.iScaling + c.iOffset
	state.ILimCharge = min(state.ILimCharge, c.iLimCharge)
	state.ILimDischarge = min(state.ILimDischarge, c.iLimDischarge)

	return state, nil
}
