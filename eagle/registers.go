package eagle

import "strings"

// microcontroller commands
var (
	cmdGetSystemState = []byte{0x49}
	cmdSetSystemState = []byte{0x4F, 0x00}
	cmdMicroVersion   = []byte{0x56}
	cmdResetMicro     = []byte{0x55, 0x99, 0x66, 0x11}
	cmdManufacturer1  = []byte{0x53, 0xAE, 0x05, 0x01, 0x00, 0x00, 0x02, 0x00}
	cmdManufacturer2  = []byte{0x53, 0xAF, 0x12}

	// writing the CCD temperature address latches fresh sensor samples
	cmdSampleTemps = []byte{0x53, 0xE0, 0x02, 0x6E, 0x00}
)

// FPGA register addresses
const (
	regCtrl        = 0x00
	regTECSetPoint = 0x03 // 0x03-0x04, 12 bit
	regCCDTemp     = 0x6E // 0x6E-0x6F, 12 bit
	regPCBTemp     = 0x70 // 0x70-0x71, 12 bit
	regFPGAVersion = 0x7E // major, minor
	regXBin        = 0xA1
	regYBin        = 0xA2
	regReadoutRate = 0xA3 // 0xA3-0xA4
	regShutter     = 0xA5
	regShutterOpen = 0xA6
	regShutterShut = 0xA7
	regROIWidth    = 0xB4 // 0xB4-0xB5, 12 bit
	regROILeft     = 0xB6 // 0xB6-0xB7, 12 bit
	regROIHeight   = 0xB8 // 0xB8-0xB9, 12 bit
	regROITop      = 0xBA // 0xBA-0xBB, 12 bit
	regTrigger     = 0xD4
	regFrameRate   = 0xDC // 0xDC-0xE0, 40 bit
	regExposure    = 0xED // 0xED-0xF1, 40 bit
	regReadoutMode = 0xF7

	manufacturerLen = 18
)

// addrs returns n consecutive addresses starting at a
func addrs(a byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = a + byte(i)
	}
	return out
}

// SystemState is the microcontroller status byte
type SystemState byte

// system state bits
const (
	SysChecksum   SystemState = 0x40
	SysAck        SystemState = 0x10
	SysFPGABootOK SystemState = 0x04
	// SysFPGARun is FPGA_RST_HOLD; clear means the FPGA is held in reset
	SysFPGARun   SystemState = 0x02
	SysFPGAEprom SystemState = 0x01
)

// Checksum reports whether check sum framing is on
func (s SystemState) Checksum() bool { return s&SysChecksum != 0 }

// Ack reports whether replies are acknowledged with ETX
func (s SystemState) Ack() bool { return s&SysAck != 0 }

// BootOK reports whether the FPGA has booted
func (s SystemState) BootOK() bool { return s&SysFPGABootOK != 0 }

// InReset reports whether the FPGA is held in reset
func (s SystemState) InReset() bool { return s&SysFPGARun == 0 }

// Eprom reports whether EPROM communication is enabled
func (s SystemState) Eprom() bool { return s&SysFPGAEprom != 0 }

// With returns s with the bits of f set to v
func (s SystemState) With(f SystemState, v bool) SystemState {
	if v {
		return s | f
	}
	return s &^ f
}

func (s SystemState) String() string {
	return flagString(byte(s), []flagName{
		{byte(SysChecksum), "CK_SUM"},
		{byte(SysAck), "ACK"},
		{byte(SysFPGABootOK), "FPGA_BOOT_OK"},
		{byte(SysFPGARun), "FPGA_RUN"},
		{byte(SysFPGAEprom), "FPGA_EPROM"},
	})
}

// Trigger is the FPGA trigger register
type Trigger byte

// trigger bits
const (
	TrigRisingEdge Trigger = 0x80
	TrigExternal   Trigger = 0x40
	TrigAbort      Trigger = 0x08
	TrigContinuous Trigger = 0x04
	TrigFixedRate  Trigger = 0x02
	TrigSnapshot   Trigger = 0x01

	// TrigIdle is internal triggering with nothing armed
	TrigIdle Trigger = 0x00
)

func (t Trigger) String() string {
	return flagString(byte(t), []flagName{
		{byte(TrigRisingEdge), "RISING_EDGE"},
		{byte(TrigExternal), "EXT"},
		{byte(TrigAbort), "ABORT"},
		{byte(TrigContinuous), "CONT_SEQ"},
		{byte(TrigFixedRate), "FFR"},
		{byte(TrigSnapshot), "SNAPSHOT"},
	})
}

// Control is the FPGA control register
type Control byte

// control bits
const (
	// CtrlLowGain is the HIGH_GAIN bit, which enables high gain when clear
	CtrlLowGain      Control = 0x80
	CtrlTempTripRset Control = 0x02
	CtrlTEC          Control = 0x01
)

// HighGain reports whether the preamp is in high gain
func (c Control) HighGain() bool { return c&CtrlLowGain == 0 }

// TEC reports whether the cooler is on
func (c Control) TEC() bool { return c&CtrlTEC != 0 }

func (c Control) String() string {
	return flagString(byte(c), []flagName{
		{byte(CtrlLowGain), "LOW_GAIN"},
		{byte(CtrlTempTripRset), "TMP_TRIP_RST"},
		{byte(CtrlTEC), "TEC"},
	})
}

type flagName struct {
	bit  byte
	name string
}

func flagString(b byte, names []flagName) string {
	var set []string
	for _, f := range names {
		if b&f.bit != 0 {
			set = append(set, f.name)
		}
	}
	if len(set) == 0 {
		return "0"
	}
	return strings.Join(set, "|")
}

// readout rate register pairs
var (
	readoutFast = []byte{0x02, 0x02}
	readoutSlow = []byte{0x43, 0x80}
)

// readout mode register values
const (
	readoutNormal = 0x01
	readoutTest   = 0x04
)

// shutter register values, indexed by state name
var shutterStates = []string{"CLOSED", "OPEN", "EXP"}
