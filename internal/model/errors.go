package model

import (
	"errors"
	"fmt"
)

// Errors returned while parsing a model container. All of them are
// fatal to model load; a malformed file is never retried.
var (
	ErrBadMagic           = errors.New("model: bad magic")
	ErrUnsupportedVersion = errors.New("model: unsupported version")
	ErrInvalidType        = errors.New("model: invalid model type")
	ErrOutOfBounds        = errors.New("model: section out of file bounds")
	ErrTooManyNetworks    = errors.New("model: too many networks")
	ErrUnreadable         = errors.New("model: unreadable file")
)

// CorruptHeaderError reports a header whose fields are internally
// inconsistent, with the reason attached.
type CorruptHeaderError struct {
	Reason string
}

func (e *CorruptHeaderError) Error() string {
	return fmt.Sprintf("model: corrupt header: %s", e.Reason)
}
