package eagle

import (
	"errors"
	"fmt"
	"math"

	"github.jpl.nasa.gov/bdube/eaglecam/cameralink"
	"github.jpl.nasa.gov/bdube/eaglecam/fitsout"
)

// ErrorKind classifies camera errors.  The value doubles as the process
// exit code of the command line tool.
type ErrorKind int

// driver side failures count up from the smallest int32, device status
// codes keep their wire value
const (
	Uninitialized ErrorKind = math.MinInt32 + iota
	NullReference
	MemoryAllocation
	InvalidUnitmap
	UnknownCommand
	UnknownFeature
	ReadOnlyFeature
	WriteOnlyFeature
	FeatureTypeMismatch
	ValueOutOfRange
	InvalidEnumValue
	UnexpectedDeviceValue
	AcquisitionProcessError
	CopyBufferTimeout
	OutputWritingTimeout
	AlreadyAcquiring

	OK ErrorKind = 0

	SerialTimeout        ErrorKind = 0x51
	ChecksumError        ErrorKind = 0x52
	I2CError             ErrorKind = 0x53
	UnknownDeviceCommand ErrorKind = 0x54
	DoneLineLow          ErrorKind = 0x55
	OutputContainerError ErrorKind = 0x56
)

var kindNames = map[ErrorKind]string{
	Uninitialized:           "camera is not initialized",
	NullReference:           "null reference",
	MemoryAllocation:        "memory allocation failed",
	InvalidUnitmap:          "invalid unitmap",
	UnknownCommand:          "unknown command",
	UnknownFeature:          "unknown feature",
	ReadOnlyFeature:         "feature is read only",
	WriteOnlyFeature:        "feature is write only",
	FeatureTypeMismatch:     "feature type mismatch",
	ValueOutOfRange:         "value out of range",
	InvalidEnumValue:        "invalid enumeration value",
	UnexpectedDeviceValue:   "unexpected value from device",
	AcquisitionProcessError: "acquisition process error",
	CopyBufferTimeout:       "timed out copying frame buffer",
	OutputWritingTimeout:    "timed out writing output",
	AlreadyAcquiring:        "camera is already acquiring",
	OK:                      "ok",
	SerialTimeout:           "serial timeout",
	ChecksumError:           "check sum error",
	I2CError:                "I2C error",
	UnknownDeviceCommand:    "device did not recognize the command",
	DoneLineLow:             "FPGA done line low",
	OutputContainerError:    "output file error",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is a camera error.  Code holds the raw driver or device code when
// there is one, FitsCode the output container's code.
type Error struct {
	Kind     ErrorKind
	Code     int
	FitsCode int
	Context  string
	Err      error
}

func (e *Error) Error() string {
	msg := "eagle: " + e.Kind.String()
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %#02x)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, &Error{Kind: ValueOutOfRange}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// wrap classifies err as a camera error.  Device status bytes and
// transport timeouts keep their own kinds, output container failures
// become OutputContainerError, anything else gets fallback.
func wrap(err error, fallback ErrorKind, context string) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		if context == "" {
			return err
		}
		out := *ce
		out.Context = context
		if ce.Context != "" {
			out.Context += ": " + ce.Context
		}
		return &out
	}
	e := &Error{Kind: fallback, Context: context, Err: err}
	var de *cameralink.DeviceError
	var fe *fitsout.Error
	switch {
	case errors.As(err, &de):
		e.Code = int(de.Code)
		if de.Code >= cameralink.ETXSerTimeout && de.Code <= cameralink.ETXDoneLow {
			e.Kind = ErrorKind(de.Code)
		} else {
			e.Kind = UnexpectedDeviceValue
		}
	case errors.Is(err, cameralink.ErrTimeout):
		e.Kind = SerialTimeout
	case errors.As(err, &fe):
		e.Kind = OutputContainerError
		e.FitsCode = fe.Code
	}
	return e
}

// KindOf returns the kind of a camera error; OK for nil and
// UnexpectedDeviceValue for errors from outside the package
func KindOf(err error) ErrorKind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnexpectedDeviceValue
}
