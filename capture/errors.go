package capture

import "errors"

// Error taxonomy shared by the session, switcher and recorder.
// Call sites wrap these with context; match them with errors.Is.
var (
	ErrConfigurationState = errors.New("configuration state error")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrNoActiveInput      = errors.New("no active input")
	ErrPathUnavailable    = errors.New("path unavailable")
	ErrAlreadyRecording   = errors.New("already recording")
	ErrIO                 = errors.New("i/o error")
	ErrEncoding           = errors.New("encoding error")
)
