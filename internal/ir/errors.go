package ir

import (
	"errors"
	"fmt"
)

var (
	ErrUnboundPathParameter = errors.New("unbound path parameter")
	ErrDuplicateRoute       = errors.New("duplicate route")
	ErrInvalidPath          = errors.New("invalid path")
	ErrInvalidWSMode        = errors.New("invalid websocket mode")
	ErrInvalidFlag          = errors.New("invalid boolean flag")
)

func pathError(raw, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidPath, raw, reason)
}
