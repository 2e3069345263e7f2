package marshaler

import (
	"github.com/pkg/errors"
)

// Type defines the marshaler type.
type Type int

// Marshaler types.
const (
	Protobuf Type = iota
	JSON
)

// TypeFromString returns the marshaler type for the given name. An empty name
// defaults to Protobuf.
func TypeFromString(s string) (Type, error) {
	switch s {
	case "", "protobuf":
		return Protobuf, nil
	case "json":
		return JSON, nil
	}
	return Protobuf, errors.Errorf("unknown marshaler: %s", s)
}

func (t Type) String() string {
	if t == JSON {
		return "json"
	}
	return "protobuf"
}
