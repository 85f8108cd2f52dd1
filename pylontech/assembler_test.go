package pylontech

import (
	"testing"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Length: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

// A full telegram with known raw values:
// v_charge_cmd=54.0V, i_lim_charge=105.0A, i_lim_discharge=120.0A,
// soc=80, soh=99, v_avg=51.2V, i_total=-12.5A, t_avg=25.3C,
// errors=0x02/0x00, warnings=0x10/0x01, 4 modules,
// charge+discharge enabled, manufacturer "PYLON".
func telegramFrames() []can.Frame {
	return []can.Frame{
		frame(IDLimits, 0x1C, 0x02, 0x1A, 0x04, 0xB0, 0x04),
		frame(IDSocSoh, 0x50, 0x00, 0x63, 0x00),
		frame(IDMeasurements, 0x00, 0x14, 0x83, 0xFF, 0xFD, 0x00),
		frame(IDTelegramStart, 0x02, 0x00, 0x10, 0x01, 0x04, 0x50, 0x4E),
		frame(IDStatusBits, 0xC0),
		frame(IDManufacturer, 'P', 'Y', 'L', 'O', 'N', 0x00),
	}
}

// prime feeds one boundary frame so the assembler counts like in a running
// stream; from a cold start the very first boundary can never close a cycle.
func prime(a *Assembler) {
	a.Feed(frame(IDTelegramStart, 0x00, 0x00, 0x00, 0x00, 0x00, 0x50, 0x4E))
}

// feedCycle feeds the five interior frames followed by the boundary frame
// and returns the boundary result.
func feedCycle(a *Assembler, frames []can.Frame) FeedResult {
	for _, f := range frames {
		if f.ID == IDTelegramStart {
			continue
		}
		a.Feed(f)
	}
	return a.Feed(frames[3])
}

func TestAssembler_DecodesCompleteTelegram(t *testing.T) {
	a := NewAssembler()
	prime(a)

	result := feedCycle(a, telegramFrames())
	require.Equal(t, TelegramReady, result)

	st := NewBatteryState()
	require.NoError(t, a.DecodeInto(&st))

	assert.InDelta(t, 54.0, st.VChargeCmd, 1e-9)
	assert.InDelta(t, 105.0, st.ILimCharge, 1e-9)
	assert.InDelta(t, 120.0, st.ILimDischarge, 1e-9)
	assert.Equal(t, 80.0, st.Soc)
	assert.Equal(t, 99.0, st.Soh)
	assert.InDelta(t, 51.2, st.VAvg, 1e-9)
	assert.InDelta(t, -12.5, st.ITotal, 1e-9)
	assert.InDelta(t, 25.3, st.TAvg, 1e-9)
	assert.Equal(t, uint8(0x02), st.ErrorFlags1)
	assert.Equal(t, uint8(0x00), st.ErrorFlags2)
	assert.Equal(t, uint8(0x10), st.WarningFlags1)
	assert.Equal(t, uint8(0x01), st.WarningFlags2)
	assert.Equal(t, 4, st.NModules)
	assert.True(t, st.ChargeEnable)
	assert.True(t, st.DischargeEnable)
	assert.False(t, st.ForceChargeRequest)
	assert.False(t, st.ForceChargeRequest2)
	assert.False(t, st.BalancingChargeRequest)
	assert.Equal(t, "PYLON", st.Manufacturer)
	assert.Equal(t, 0, st.NInvalidDataTelegrams)
	assert.False(t, st.TimestampLastBMSUpdate.IsZero())
}

func TestAssembler_FirstBoundaryIsShort(t *testing.T) {
	a := NewAssembler()
	frames := telegramFrames()

	// From a cold start the first boundary cannot close a full cycle.
	assert.Equal(t, FrameStored, a.Feed(frames[0]))
	assert.Equal(t, FrameStored, a.Feed(frames[1]))
	assert.Equal(t, FrameStored, a.Feed(frames[2]))
	assert.Equal(t, TelegramShort, a.Feed(frames[3]))
}

func TestAssembler_PollFrameDoesNotCount(t *testing.T) {
	a := NewAssembler()
	prime(a)
	frames := telegramFrames()

	for _, f := range frames {
		if f.ID == IDTelegramStart {
			continue
		}
		a.Feed(f)
		// Interleaved polls must not disturb the frame count.
		assert.Equal(t, PollSeen, a.Feed(PollFrame()))
	}

	assert.Equal(t, TelegramReady, a.Feed(frames[3]))
}

func TestAssembler_IncompleteTelegramReportsMissingID(t *testing.T) {
	a := NewAssembler()
	frames := telegramFrames()

	// Never send the manufacturer frame; repeat another frame so the
	// counter still reaches a full cycle.
	prime(a)
	a.Feed(frames[0])
	a.Feed(frames[1])
	a.Feed(frames[2])
	a.Feed(frames[4])
	a.Feed(frames[0])
	require.Equal(t, TelegramReady, a.Feed(frames[3]))

	st := NewBatteryState()
	before := st.Copy()

	err := a.DecodeInto(&st)
	require.Error(t, err)

	var incomplete *IncompleteTelegramError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, IDManufacturer, incomplete.MissingID)

	// Exactly one rejected telegram, everything else untouched.
	before.NInvalidDataTelegrams++
	assert.Equal(t, before, st)
}

func TestAssembler_MalformedManufacturerText(t *testing.T) {
	a := NewAssembler()
	frames := telegramFrames()
	frames[5] = frame(IDManufacturer, 'P', 0xC3, 0xA9, 0x00)

	prime(a)
	require.Equal(t, TelegramReady, feedCycle(a, frames))

	st := NewBatteryState()
	err := a.DecodeInto(&st)
	require.Error(t, err)

	var malformed *MalformedFieldError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, IDManufacturer, malformed.ID)
	assert.Equal(t, 1, st.NInvalidDataTelegrams)
}

func TestAssembler_MalformedShortPayload(t *testing.T) {
	a := NewAssembler()
	frames := telegramFrames()
	frames[1] = frame(IDSocSoh, 0x50, 0x00)

	prime(a)
	require.Equal(t, TelegramReady, feedCycle(a, frames))

	st := NewBatteryState()
	err := a.DecodeInto(&st)
	require.Error(t, err)

	var malformed *MalformedFieldError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, IDSocSoh, malformed.ID)
	assert.Equal(t, 1, st.NInvalidDataTelegrams)
}

func TestAssembler_RecoversAfterInvalidTelegram(t *testing.T) {
	a := NewAssembler()
	frames := telegramFrames()

	// First cycle carries a malformed soc/soh frame.
	bad := telegramFrames()
	bad[1] = frame(IDSocSoh, 0x50)
	prime(a)
	require.Equal(t, TelegramReady, feedCycle(a, bad))

	st := NewBatteryState()
	require.Error(t, a.DecodeInto(&st))

	// The next full cycle decodes normally.
	require.Equal(t, TelegramReady, feedCycle(a, frames))
	require.NoError(t, a.DecodeInto(&st))
	assert.Equal(t, 80.0, st.Soc)
	assert.Equal(t, 1, st.NInvalidDataTelegrams)
}
