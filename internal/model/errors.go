package model

import (
	"errors"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidMode     = errors.New("invalid mode")
)
