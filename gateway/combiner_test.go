package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bms-gateway/pylontech"
)

// wideOpenCombiner does not clamp, scale or offset anything.
func wideOpenCombiner() *Combiner {
	return NewCombiner(CombinerConfig{
		ILimCharge:    1e6,
		ILimDischarge: 1e6,
		IScaling:      1.0,
		IOffset:       0.0,
	})
}

func inputState(capacityAh float64) pylontech.BatteryState {
	st := pylontech.NewBatteryState()
	st.Manufacturer = "PYLON"
	st.Soc = 50
	st.Soh = 100
	st.VChargeCmd = 54.0
	st.ILimCharge = 100.0
	st.ILimDischarge = 100.0
	st.VAvg = 51.2
	st.ITotal = 10.0
	st.TAvg = 25.0
	st.ErrorFlags1 = 0
	st.ErrorFlags2 = 0
	st.WarningFlags1 = 0
	st.WarningFlags2 = 0
	st.NModules = 4
	st.ChargeEnable = true
	st.DischargeEnable = true
	st.CapacityAh = capacityAh
	return st
}

func TestCombiner_SingleInputIsIdentity(t *testing.T) {
	in := inputState(100)

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{in})
	require.NoError(t, err)

	// With neutral global parameters a single input passes through,
	// modulo the floating point noise of the weighting round trip.
	assert.InDelta(t, in.Soc, out.Soc, 1e-9)
	assert.InDelta(t, in.Soh, out.Soh, 1e-9)
	assert.InDelta(t, in.VAvg, out.VAvg, 1e-9)
	assert.InDelta(t, in.TAvg, out.TAvg, 1e-9)
	assert.InDelta(t, in.ITotal, out.ITotal, 1e-9)
	assert.InDelta(t, in.VChargeCmd, out.VChargeCmd, 1e-9)
	assert.InDelta(t, in.ILimCharge, out.ILimCharge, 1e-9)
	assert.InDelta(t, in.ILimDischarge, out.ILimDischarge, 1e-9)
	assert.InDelta(t, in.CapacityAh, out.CapacityAh, 1e-9)
	assert.Equal(t, in.Manufacturer, out.Manufacturer)
	assert.Equal(t, in.NModules, out.NModules)
	assert.Equal(t, in.ErrorFlags1, out.ErrorFlags1)
	assert.Equal(t, in.WarningFlags1, out.WarningFlags1)
	assert.Equal(t, in.ChargeEnable, out.ChargeEnable)
	assert.Equal(t, in.DischargeEnable, out.DischargeEnable)
}

func TestCombiner_WeightedAverage(t *testing.T) {
	a := inputState(100)
	a.Soc = 50
	b := inputState(300)
	b.Soc = 90

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	// (50*100 + 90*300) / 400 = 80
	assert.InDelta(t, 80.0, out.Soc, 1e-9)
	assert.InDelta(t, 400.0, out.CapacityAh, 1e-9)
}

func TestCombiner_ChargeVoltageMinimumWins(t *testing.T) {
	a := inputState(100)
	a.VChargeCmd = 54.0
	b := inputState(100)
	b.VChargeCmd = 53.2

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 53.2, out.VChargeCmd, 1e-9)
}

func TestCombiner_SumsTotals(t *testing.T) {
	a := inputState(100)
	a.ITotal = 10
	a.NModules = 4
	a.NInvalidDataTelegrams = 1
	b := inputState(100)
	b.ITotal = -4
	b.NModules = 6
	b.NInvalidDataTelegrams = 2

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	assert.InDelta(t, 6.0, out.ITotal, 1e-9)
	assert.InDelta(t, 200.0, out.ILimCharge, 1e-9)
	assert.InDelta(t, 200.0, out.ILimDischarge, 1e-9)
	assert.Equal(t, 10, out.NModules)
	assert.Equal(t, 3, out.NInvalidDataTelegrams)
}

func TestCombiner_FlagFusion(t *testing.T) {
	a := inputState(100)
	a.ErrorFlags1 = 0x02
	b := inputState(100)
	b.ErrorFlags1 = 0x10
	b.WarningFlags2 = 0x08

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	assert.Equal(t, uint8(0x12), out.ErrorFlags1)
	assert.Equal(t, uint8(0x08), out.WarningFlags2)
}

func TestCombiner_EnableBitsRequireAgreement(t *testing.T) {
	a := inputState(100)
	a.ChargeEnable = true
	a.DischargeEnable = true
	b := inputState(100)
	b.ChargeEnable = false
	b.DischargeEnable = true

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	assert.False(t, out.ChargeEnable)
	assert.True(t, out.DischargeEnable)
}

func TestCombiner_RequestBitsPropagate(t *testing.T) {
	a := inputState(100)
	b := inputState(100)
	b.ForceChargeRequest = true
	b.BalancingChargeRequest = true

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	assert.True(t, out.ForceChargeRequest)
	assert.False(t, out.ForceChargeRequest2)
	assert.True(t, out.BalancingChargeRequest)
}

func TestCombiner_ManufacturerFromFirstInput(t *testing.T) {
	a := inputState(100)
	a.Manufacturer = "FIRST"
	b := inputState(100)
	b.Manufacturer = "SECOND"

	out, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)
	assert.Equal(t, "FIRST", out.Manufacturer)
}

func TestCombiner_GlobalLimitsOnlyTighten(t *testing.T) {
	c := NewCombiner(CombinerConfig{
		ILimCharge:    150.0,
		ILimDischarge: 1e6,
		IScaling:      1.0,
	})
	a := inputState(100)
	b := inputState(100)

	out, err := c.Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	// Summed charge limit of 200A is clamped to the global 150A; the
	// summed discharge limit stays because the global value is looser.
	assert.InDelta(t, 150.0, out.ILimCharge, 1e-9)
	assert.InDelta(t, 200.0, out.ILimDischarge, 1e-9)
}

func TestCombiner_GlobalScalingAndOffset(t *testing.T) {
	c := wideOpenCombiner()
	c.SetIScaling(0.5)
	c.SetIOffset(-1.0)

	a := inputState(100)
	a.ITotal = 10
	b := inputState(100)
	b.ITotal = 6

	out, err := c.Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	// (10 + 6) * 0.5 - 1.0 = 7.0
	assert.InDelta(t, 7.0, out.ITotal, 1e-9)
}

func TestCombiner_RejectsZeroTotalCapacity(t *testing.T) {
	a := inputState(0)
	b := inputState(0)

	_, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	assert.ErrorIs(t, err, ErrDegenerateWeighting)
}

func TestCombiner_RejectsEmptyInput(t *testing.T) {
	_, err := wideOpenCombiner().Combine(nil)
	assert.ErrorIs(t, err, ErrNoInputStates)
}

func TestCombiner_DoesNotMutateInputs(t *testing.T) {
	a := inputState(100)
	b := inputState(300)
	b.Soc = 90
	aBefore, bBefore := a, b

	_, err := wideOpenCombiner().Combine([]pylontech.BatteryState{a, b})
	require.NoError(t, err)

	assert.Equal(t, aBefore, a)
	assert.Equal(t, bBefore, b)
}
