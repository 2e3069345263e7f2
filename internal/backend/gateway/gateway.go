// Package gateway defines the gateway-bridge backend interface. A device
// uses a gateway backend to impersonate a gateway: uplink frames are
// published as gateway events and downlink frames are received as gateway
// commands.
package gateway

import (
	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

var backend Gateway

// Backend returns the gateway backend.
func Backend() Gateway {
	return backend
}

// SetBackend sets the given gateway backend.
func SetBackend(b Gateway) {
	backend = b
}

// Gateway is the interface of a gateway backend.
type Gateway interface {
	SendUplinkFrame(gw.UplinkFrame) error     // publish the given uplink frame event
	SendDownlinkTXAck(gw.DownlinkTXAck) error // publish the given downlink tx acknowledgement event
	DownlinkFrameChan() chan gw.DownlinkFrame // channel containing the received downlink frame commands
	Close() error                             // close the gateway backend
}
