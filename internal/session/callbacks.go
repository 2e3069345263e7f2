package session

import (
	"encoding/hex"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/mac"
)

// BatteryLevelUnknown is reported to the network when no battery level
// callback is set (the device is not able to measure its battery level).
const BatteryLevelUnknown uint8 = 255

// Callbacks holds the application callbacks. Each callback is optional.
type Callbacks struct {
	// OnInit is called after the MAC engine has been initialized.
	OnInit func(region string, class mac.DeviceClass)

	// OnJoinSuccess is called when the device joined the network.
	OnJoinSuccess func()

	// OnJoinFailed is called when the join failed. It returns the delay
	// before the next join attempt. A value <= 0 selects the configured
	// rejoin delay.
	OnJoinFailed func() time.Duration

	// OnDataReceived receives the downlink payloads. When nil, downlinks
	// are logged.
	OnDataReceived DownlinkHandler

	OnConfirmedUplinkSending   func()
	OnUnconfirmedUplinkSending func()

	// OnMcpsIndication is called for each valid downlink, before the
	// payload is handled.
	OnMcpsIndication func(rssi int16, snr int8, dr int)

	// OnSysTimeUpdate is called with the network time after a device-time
	// answer.
	OnSysTimeUpdate func(t time.Time)

	OnGetBatteryLevel     func() uint8
	OnGetTemperatureLevel func() float32
}

// DownlinkHandler handles received downlink payloads.
type DownlinkHandler interface {
	HandleDownlink(ind mac.McpsIndication)
}

// DownlinkHandlerFunc implements DownlinkHandler for a function.
type DownlinkHandlerFunc func(ind mac.McpsIndication)

// HandleDownlink calls f(ind).
func (f DownlinkHandlerFunc) HandleDownlink(ind mac.McpsIndication) {
	f(ind)
}

// LogDownlinkHandler logs the received payloads.
type LogDownlinkHandler struct{}

// HandleDownlink logs the port and hex encoded payload.
func (LogDownlinkHandler) HandleDownlink(ind mac.McpsIndication) {
	log.WithFields(log.Fields{
		"f_port":  ind.Port,
		"payload": hex.EncodeToString(ind.Payload),
		"rx_slot": ind.RxSlot,
	}).Info("session: downlink data received")
}

func (s *Session) downlinkHandler() DownlinkHandler {
	if s.cb.OnDataReceived == nil {
		return LogDownlinkHandler{}
	}
	return s.cb.OnDataReceived
}
