package storage

import (
	"github.com/pkg/errors"
)

// errors
var (
	ErrDoesNotExist = errors.New("object does not exist")
)
