package pylontech

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/brutella/can"
)

// CAN identifiers of the protocol.
const (
	// IDLimits carries the charge voltage command and both current limits.
	IDLimits uint32 = 0x351
	// IDSocSoh carries state of charge and state of health.
	IDSocSoh uint32 = 0x355
	// IDMeasurements carries pack voltage, current and temperature.
	IDMeasurements uint32 = 0x356
	// IDTelegramStart carries flags and module count and marks the boundary
	// between two telegrams.
	IDTelegramStart uint32 = 0x359
	// IDStatusBits carries the charge/discharge enable and request bits.
	IDStatusBits uint32 = 0x35C
	// IDManufacturer carries the NUL-padded manufacturer text.
	IDManufacturer uint32 = 0x35E
	// IDInverterRequest is the all-zero poll/acknowledge frame sent by the
	// inverter. It is interleaved with the telegram and not part of it.
	IDInverterRequest uint32 = 0x305
)

// NReplyFrames is the number of CAN frames belonging to one telegram.
const NReplyFrames = 6

// requiredIDs lists the six identifiers of one complete telegram, in wire
// transmission order.
var requiredIDs = []uint32{
	IDLimits,
	IDSocSoh,
	IDMeasurements,
	IDTelegramStart,
	IDStatusBits,
	IDManufacturer,
}

// PollFrame returns the all-zero inverter poll/sync frame.
func PollFrame() can.Frame {
	return can.Frame{ID: IDInverterRequest, Length: 8}
}

// FeedResult tells the caller what one frame did to the assembler.
type FeedResult int

const (
	// FrameStored means an interior frame was accumulated.
	FrameStored FeedResult = iota
	// PollSeen means the inverter poll frame was observed; the frame count
	// is unaffected and only the request timestamp should be updated.
	PollSeen
	// TelegramReady means the boundary frame closed a full telegram cycle
	// and the accumulated frames can be decoded.
	TelegramReady
	// TelegramShort means the boundary frame arrived before a full cycle of
	// interior frames accumulated; the partial telegram is discarded.
	TelegramShort
)

// Assembler reconstructs telegrams from individually arriving CAN frames.
// It keeps the most recent payload per identifier and counts frames since
// the last boundary. It is an explicit two-phase state machine: counting
// until the boundary frame arrives, then either ready or short depending on
// whether a full cycle was observed.
//
// An Assembler is owned by exactly one decoder task and is not safe for
// concurrent use.
type Assembler struct {
	frames map[uint32][]byte
	count  int
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{frames: make(map[uint32][]byte)}
}

// Feed stores one frame and reports the resulting transition. After
// TelegramReady the caller decodes via DecodeInto; the counter is reset on
// every boundary regardless of the decode outcome.
func (a *Assembler) Feed(f can.Frame) FeedResult {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	data := make([]byte, n)
	copy(data, f.Data[:n])
	a.frames[f.ID] = data

	switch f.ID {
	case IDInverterRequest:
		return PollSeen
	case IDTelegramStart:
		complete := a.count >= NReplyFrames
		a.count = 1
		if complete {
			return TelegramReady
		}
		return TelegramShort
	default:
		a.count++
		return FrameStored
	}
}

// DecodeInto decodes the accumulated frames into st. On failure the invalid
// telegram counter of st is incremented and the record is otherwise left
// unchanged; on success every protocol field and the update timestamp are
// overwritten in place.
func (a *Assembler) DecodeInto(st *BatteryState) error {
	dec := BatteryState{}

	for _, id := range requiredIDs {
		if _, ok := a.frames[id]; !ok {
			st.NInvalidDataTelegrams++
			return &IncompleteTelegramError{MissingID: id}
		}
	}

	msg := a.frames[IDLimits]
	if len(msg) < 6 {
		st.NInvalidDataTelegrams++
		return &MalformedFieldError{ID: IDLimits, Reason: "payload shorter than 6 bytes"}
	}
	dec.VChargeCmd = 0.1 * float64(binary.LittleEndian.Uint16(msg[0:2]))
	dec.ILimCharge = 0.1 * float64(int16(binary.LittleEndian.Uint16(msg[2:4])))
	dec.ILimDischarge = 0.1 * float64(int16(binary.LittleEndian.Uint16(msg[4:6])))

	msg = a.frames[IDSocSoh]
	if len(msg) < 4 {
		st.NInvalidDataTelegrams++
		return &MalformedFieldError{ID: IDSocSoh, Reason: "payload shorter than 4 bytes"}
	}
	dec.Soc = float64(binary.LittleEndian.Uint16(msg[0:2]))
	dec.Soh = float64(binary.LittleEndian.Uint16(msg[2:4]))

	msg = a.frames[IDMeasurements]
	if len(msg) < 6 {
		st.NInvalidDataTelegrams++
		return &MalformedFieldError{ID: IDMeasurements, Reason: "payload shorter than 6 bytes"}
	}
	dec.VAvg = 0.01 * float64(int16(binary.LittleEndian.Uint16(msg[0:2])))
	dec.ITotal = 0.1 * float64(int16(binary.LittleEndian.Uint16(msg[2:4])))
	dec.TAvg = 0.1 * float64(int16(binary.LittleEndian.Uint16(msg[4:6])))

	msg = a.frames[IDTelegramStart]
	if len(msg) < 5 {
		st.NInvalidDataTelegrams++
		return &MalformedFieldError{ID: IDTelegramStart, Reason: "payload shorter than 5 bytes"}
	}
	dec.ErrorFlags1 = msg[0]
	dec.ErrorFlags2 = msg[1]
	dec.WarningFlags1 = msg[2]
	dec.WarningFlags2 = msg[3]
	dec.NModules = int(msg[4])

	msg = a.frames[IDStatusBits]
	if len(msg) < 1 {
		st.NInvalidDataTelegrams++
		return &MalformedFieldError{ID: IDStatusBits, Reason: "payload is empty"}
	}
	dec.ChargeEnable = msg[0]&(1<<bitChargeEnable) != 0
	dec.DischargeEnable = msg[0]&(1<<bitDischargeEnable) != 0
	dec.ForceChargeRequest = msg[0]&(1<<bitForceChargeRequest) != 0
	dec.ForceChargeRequest2 = msg[0]&(1<<bitForceChargeRequest2) != 0
	dec.BalancingChargeRequest = msg[0]&(1<<bitBalancingChargeRequest) != 0

	msg = a.frames[IDManufacturer]
	for _, b := range msg {
		if b > 0x7F {
			st.NInvalidDataTelegrams++
			return &MalformedFieldError{ID: IDManufacturer, Reason: "manufacturer text is not ASCII"}
		}
	}
	dec.Manufacturer = strings.TrimRight(string(msg), "\x00")

	st.Manufacturer = dec.Manufacturer
	st.Soc = dec.Soc
	st.Soh = dec.Soh
	st.VChargeCmd = dec.VChargeCmd
	st.ILimCharge = dec.ILimCharge
	st.ILimDischarge = dec.ILimDischarge
	st.VAvg = dec.VAvg
	st.ITotal = dec.ITotal
	st.TAvg = dec.TAvg
	st.ErrorFlags1 = dec.ErrorFlags1
	st.ErrorFlags2 = dec.ErrorFlags2
	st.WarningFlags1 = dec.WarningFlags1
	st.WarningFlags2 = dec.WarningFlags2
	st.NModules = dec.NModules
	st.ChargeEnable = dec.ChargeEnable
	st.DischargeEnable = dec.DischargeEnable
	st.ForceChargeRequest = dec.ForceChargeRequest
	st.ForceChargeRequest2 = dec.ForceChargeRequest2
	st.BalancingChargeRequest = dec.BalancingChargeRequest
	st.TimestampLastBMSUpdate = time.Now()
	return nil
}
