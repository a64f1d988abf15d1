package content

import "errors"

var ErrOutOfRange = errors.New("position out of range")
