package model

import (
	"errors"
)

var (
	ErrTooBig  = errors.New("file too big")
	ErrOutside = errors.New("path outside of sandbox")
)
