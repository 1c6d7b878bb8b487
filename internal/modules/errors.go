package modules

import "errors"

var (
	// ErrUnknownChannel indicates a channel outside the module's channel set.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrOutOfRange indicates a value outside the module's static bounds.
	ErrOutOfRange = errors.New("value out of range")

	// ErrValueCount indicates a value list that does not match the channel list.
	ErrValueCount = errors.New("value count does not match channel count")

	// ErrCalibrationMode indicates a calibration operation attempted while the
	// session is not in calibration mode.
	ErrCalibrationMode = errors.New("calibration mode not enabled")

	// ErrUnsupported indicates an operation the module kind does not provide.
	ErrUnsupported = errors.New("operation not supported by module")
)
