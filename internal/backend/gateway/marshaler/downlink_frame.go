package marshaler

import (
	"bytes"
	"strings"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// UnmarshalDownlinkFrame unmarshals a DownlinkFrame. The encoding is
// detected from the payload.
func UnmarshalDownlinkFrame(b []byte, df *gw.DownlinkFrame) (Type, error) {
	var t Type

	if strings.Contains(string(b), `"gatewayID"`) || strings.Contains(string(b), `"items"`) {
		t = JSON
	} else {
		t = Protobuf
	}

	switch t {
	case Protobuf:
		return t, proto.Unmarshal(b, df)
	case JSON:
		m := jsonpb.Unmarshaler{
			AllowUnknownFields: true,
		}
		return t, m.Unmarshal(bytes.NewReader(b), df)
	}

	return t, nil
}
