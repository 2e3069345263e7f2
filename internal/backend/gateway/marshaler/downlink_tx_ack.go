package marshaler

import (
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// MarshalDownlinkTXAck marshals the given DownlinkTXAck.
func MarshalDownlinkTXAck(t Type, ack gw.DownlinkTXAck) ([]byte, error) {
	switch t {
	case JSON:
		m := &jsonpb.Marshaler{
			EmitDefaults: true,
		}
		str, err := m.MarshalToString(&ack)
		return []byte(str), err
	default:
		return proto.Marshal(&ack)
	}
}
