package pylontech

import (
	"encoding/binary"
	"math"

	"github.com/brutella/can"
)

// Fixed trailer bytes of the 0x359 frame, mandated by the protocol.
const (
	telegramConstByte5 = 0x50
	telegramConstByte6 = 0x4E
)

// OutputParams are the per-output scaling and limit parameters applied while
// encoding a state record for one inverter-facing bus.
type OutputParams struct {
	// ILimCharge and ILimDischarge cap the current limits reported to this
	// inverter, in amperes. The tighter of the battery limit and the
	// configured limit wins.
	ILimCharge    float64
	ILimDischarge float64
	// IScaling and IOffset adjust the reported total current for this
	// inverter, e.g. to split current between parallel inverters.
	IScaling float64
	IOffset  float64
}

// Encoder serializes a battery state into the six-frame telegram for one
// output channel.
type Encoder struct {
	Params OutputParams
}

// Encode returns the six telegram frames for st in wire transmission order,
// with the per-output limits, scaling and offset applied.
func (e Encoder) Encode(st BatteryState) []can.Frame {
	iLimCharge := min(st.ILimCharge, e.Params.ILimCharge)
	iLimDischarge := min(st.ILimDischarge, e.Params.ILimDischarge)
	iTotal := st.ITotal*e.Params.IScaling + e.Params.IOffset

	limits := can.Frame{ID: IDLimits, Length: 6}
	putUint16(limits.Data[0:2], 10*st.VChargeCmd)
	putInt16(limits.Data[2:4], 10*iLimCharge)
	putInt16(limits.Data[4:6], 10*iLimDischarge)

	socSoh := can.Frame{ID: IDSocSoh, Length: 4}
	putUint16(socSoh.Data[0:2], st.Soc)
	putUint16(socSoh.Data[2:4], st.Soh)

	meas := can.Frame{ID: IDMeasurements, Length: 6}
	putInt16(meas.Data[0:2], 100*st.VAvg)
	putInt16(meas.Data[2:4], 10*iTotal)
	putInt16(meas.Data[4:6], 10*st.TAvg)

	start := can.Frame{ID: IDTelegramStart, Length: 7}
	start.Data[0] = st.ErrorFlags1
	start.Data[1] = st.ErrorFlags2
	start.Data[2] = st.WarningFlags1
	start.Data[3] = st.WarningFlags2
	start.Data[4] = uint8(st.NModules)
	start.Data[5] = telegramConstByte5
	start.Data[6] = telegramConstByte6

	status := can.Frame{ID: IDStatusBits, Length: 1}
	if st.ChargeEnable {
		status.Data[0] |= 1 << bitChargeEnable
	}
	if st.DischargeEnable {
		status.Data[0] |= 1 << bitDischargeEnable
	}
	if st.ForceChargeRequest {
		status.Data[0] |= 1 << bitForceChargeRequest
	}
	if st.ForceChargeRequest2 {
		status.Data[0] |= 1 << bitForceChargeRequest2
	}
	if st.BalancingChargeRequest {
		status.Data[0] |= 1 << bitBalancingChargeRequest
	}

	// Manufacturer text plus one NUL pad byte, truncated to the 8-byte frame.
	manufacturer := can.Frame{ID: IDManufacturer}
	text := append([]byte(st.Manufacturer), 0)
	if len(text) > len(manufacturer.Data) {
		text = text[:len(manufacturer.Data)]
	}
	copy(manufacturer.Data[:], text)
	manufacturer.Length = uint8(len(text))

	return []can.Frame{limits, socSoh, meas, start, status, manufacturer}
}

func putUint16(b []byte, v float64) {
	binary.LittleEndian.PutUint16(b, uint16(math.Round(v)))
}

func putInt16(b []byte, v float64) {
	binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(v))))
}
