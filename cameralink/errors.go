package cameralink

import (
	"errors"
	"fmt"
)

// Device status bytes.  ETX terminates every well formed reply; the others
// take its place when the microcontroller rejects a command.
const (
	ETX            byte = 0x50
	ETXSerTimeout  byte = 0x51
	ETXChecksumErr byte = 0x52
	ETXI2CErr      byte = 0x53
	ETXUnknownCmd  byte = 0x54
	ETXDoneLow     byte = 0x55
)

// ErrTimeout is returned when the transport does not become ready in time
var ErrTimeout = errors.New("cameralink: transport timeout")

// ErrCodes maps device status bytes to their meaning
var ErrCodes = map[byte]string{
	ETXSerTimeout:  "ETX_SER_TIMEOUT: partial command packet received, camera timed out waiting for end of packet",
	ETXChecksumErr: "ETX_CK_SUM_ERR: check sum transmitted by host did not match that calculated for the packet",
	ETXI2CErr:      "ETX_I2C_ERR: an I2C command has been received from the host but failed internally in the camera",
	ETXUnknownCmd:  "ETX_UNKNOWN_CMD: data was detected on serial line, command not recognized",
	ETXDoneLow:     "ETX_DONE_LOW: used to acknowledge start/end of FPGA boot",
}

// DeviceError is a status byte the camera sent in place of ETX
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	if s, ok := ErrCodes[e.Code]; ok {
		return fmt.Sprintf("%d - %s", e.Code, s)
	}
	return fmt.Sprintf("%d - unexpected end of transmission byte %#02x", e.Code, e.Code)
}

// isStatus is true for bytes the device uses to report failures
func isStatus(b byte) bool {
	return b >= ETXSerTimeout && b <= ETXDoneLow
}
