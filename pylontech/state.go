// Package pylontech implements the Pylontech-style LV battery CAN protocol:
// telegram reassembly and decoding, frame encoding, and the battery state
// record shared by both directions.
package pylontech

import "time"

// BatteryState is one battery (or the combined virtual battery) at an instant.
// Field names and units follow the wire protocol: voltages in volts, currents
// in amperes, temperature in degrees Celsius, capacity in ampere-hours.
type BatteryState struct {
	Manufacturer  string  `json:"manufacturer"`
	Soc           float64 `json:"soc"`
	Soh           float64 `json:"soh"`
	VChargeCmd    float64 `json:"v_charge_cmd"`
	ILimCharge    float64 `json:"i_lim_charge"`
	ILimDischarge float64 `json:"i_lim_discharge"`
	VAvg          float64 `json:"v_avg"`
	ITotal        float64 `json:"i_total"`
	TAvg          float64 `json:"t_avg"`
	ErrorFlags1   uint8   `json:"error_flags_1"`
	ErrorFlags2   uint8   `json:"error_flags_2"`
	WarningFlags1 uint8   `json:"warning_flags_1"`
	WarningFlags2 uint8   `json:"warning_flags_2"`
	NModules      int     `json:"n_modules"`

	ChargeEnable           bool `json:"charge_enable"`
	DischargeEnable        bool `json:"discharge_enable"`
	ForceChargeRequest     bool `json:"force_charge_request"`
	ForceChargeRequest2    bool `json:"force_charge_request_2"`
	BalancingChargeRequest bool `json:"balancing_charge_request"`

	TimestampLastBMSUpdate       time.Time `json:"timestamp_last_bms_update"`
	TimestampLastInverterRequest time.Time `json:"timestamp_last_inverter_request"`

	NInvalidDataTelegrams int `json:"n_invalid_data_telegrams"`

	// CapacityAh is the nameplate capacity of the represented battery and
	// doubles as the weighting factor when multiple states are combined.
	CapacityAh float64 `json:"capacity_ah"`
}

// NewBatteryState returns a state record with protocol defaults: all error
// and warning flags set (nothing is known yet, assume the worst) and a
// neutral weighting capacity of 1.0 Ah.
func NewBatteryState() BatteryState {
	return BatteryState{
		ErrorFlags1:   0xFF,
		ErrorFlags2:   0xFF,
		WarningFlags1: 0xFF,
		WarningFlags2: 0xFF,
		CapacityAh:    1.0,
	}
}

// Copy returns an independent copy of the state record.
func (s BatteryState) Copy() BatteryState {
	return s
}

// Bit positions of the status byte in frame 0x35C.
const (
	bitChargeEnable           = 7
	bitDischargeEnable        = 6
	bitForceChargeRequest     = 5
	bitForceChargeRequest2    = 4
	bitBalancingChargeRequest = 3
)

// ErrorFlags is the decoded view of the two error flag bytes.
type ErrorFlags struct {
	OCDischarge  bool `json:"oc_discharge"`
	OCCharge     bool `json:"oc_charge"`
	Overvoltage  bool `json:"overvoltage"`
	Undervoltage bool `json:"undervoltage"`
	TempLow      bool `json:"temp_low"`
	TempHigh     bool `json:"temp_high"`
	SystemError  bool `json:"system_error"`
}

// DecodeErrorFlags expands the raw error flag bytes into named conditions.
func DecodeErrorFlags(low, high uint8) ErrorFlags {
	return ErrorFlags{
		OCDischarge:  low&(1<<7) != 0,
		TempLow:      low&(1<<4) != 0,
		TempHigh:     low&(1<<3) != 0,
		Undervoltage: low&(1<<2) != 0,
		Overvoltage:  low&(1<<1) != 0,
		SystemError:  high&(1<<3) != 0,
		OCCharge:     high&(1<<0) != 0,
	}
}

// Flags packs the named conditions back into the two raw bytes.
func (e ErrorFlags) Flags() (low, high uint8) {
	if e.OCDischarge {
		low |= 1 << 7
	}
	if e.TempLow {
		low |= 1 << 4
	}
	if e.TempHigh {
		low |= 1 << 3
	}
	if e.Undervoltage {
		low |= 1 << 2
	}
	if e.Overvoltage {
		low |= 1 << 1
	}
	if e.SystemError {
		high |= 1 << 3
	}
	if e.OCCharge {
		high |= 1 << 0
	}
	return low, high
}

// WarningFlags is the decoded view of the two warning flag bytes. The layout
// matches ErrorFlags except that bit 3 of the high byte signals a
// communication failure instead of a system error.
type WarningFlags struct {
	OCDischarge  bool `json:"oc_discharge"`
	OCCharge     bool `json:"oc_charge"`
	Overvoltage  bool `json:"overvoltage"`
	Undervoltage bool `json:"undervoltage"`
	TempLow      bool `json:"temp_low"`
	TempHigh     bool `json:"temp_high"`
	CommFail     bool `json:"comm_fail"`
}

// DecodeWarningFlags expands the raw warning flag bytes into named conditions.
func DecodeWarningFlags(low, high uint8) WarningFlags {
	return WarningFlags{
		OCDischarge:  low&(1<<7) != 0,
		TempLow:      low&(1<<4) != 0,
		TempHigh:     low&(1<<3) != 0,
		Undervoltage: low&(1<<2) != 0,
		Overvoltage:  low&(1<<1) != 0,
		CommFail:     high&(1<<3) != 0,
		OCCharge:     high&(1<<0) != 0,
	}
}

// Flags packs the named conditions back into the two raw bytes.
func (w WarningFlags) Flags() (low, high uint8) {
	if w.OCDischarge {
		low |= 1 << 7
	}
	if w.TempLow {
		low |= 1 << 4
	}
	if w.TempHigh {
		low |= 1 << 3
	}
	if w.Undervoltage {
		low |= 1 << 2
	}
	if w.Overvoltage {
		low |= 1 << 1
	}
	if w.CommFail {
		high |= 1 << 3
	}
	if w.OCCharge {
		high |= 1 << 0
	}
	return low, high
}
