// Package device implements the application loop of the end-device. The
// loop drives the session state machine and serializes all session access:
// timer expiries and MAC events are posted into the loop.
package device

import (
	"context"
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/chirpstack-end-device/internal/session"
	"github.com/brocaar/chirpstack-end-device/internal/timer"
	loraband "github.com/brocaar/lorawan/band"
)

// Config holds the application loop configuration.
type Config struct {
	Class  mac.DeviceClass
	Region loraband.Name

	FPort   uint8
	Payload []byte

	TxDutyCycle       time.Duration
	TxDutyCycleRandom time.Duration

	// DeviceTimeReqInterval and LinkCheckReqInterval hold the number of
	// uplinks between two requests. 0 disables the request.
	DeviceTimeReqInterval int
	LinkCheckReqInterval  int

	BatteryLevel uint8
}

// NewConfig returns the application loop configuration from the given
// config.
func NewConfig(c config.Config) (Config, error) {
	payload, err := hex.DecodeString(c.Application.Payload)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode application payload error")
	}

	return Config{
		Class:                 c.Device.Class,
		Region:                c.LoRaWAN.Band.Name,
		FPort:                 c.Application.FPort,
		Payload:               payload,
		TxDutyCycle:           c.Application.TxDutyCycle,
		TxDutyCycleRandom:     c.Application.TxDutyCycleRandom,
		DeviceTimeReqInterval: c.Application.DeviceTimeReqInterval,
		LinkCheckReqInterval:  c.Application.LinkCheckReqInterval,
		BatteryLevel:          c.Application.BatteryLevel,
	}, nil
}

// PayloadFunc returns the port and payload of the next uplink.
type PayloadFunc func() (uint8, []byte)

// Device implements the application loop.
type Device struct {
	conf    Config
	session *session.Session
	payload PayloadFunc
	events  chan func()
	done    chan struct{}
	uplinks int
}

// New creates a new Device. Callbacks which are not set are given a default
// implementation.
func New(conf Config, engine mac.Engine, sessConf session.Config, cb session.Callbacks) *Device {
	d := Device{
		conf:   conf,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}

	if cb.OnGetBatteryLevel == nil && conf.BatteryLevel != 0 {
		level := conf.BatteryLevel
		cb.OnGetBatteryLevel = func() uint8 { return level }
	}
	if cb.OnSysTimeUpdate == nil {
		cb.OnSysTimeUpdate = func(t time.Time) {
			log.WithFields(log.Fields{
				"network_time": t,
				"offset":       time.Until(t),
			}).Info("device: network time received")
		}
	}

	d.payload = func() (uint8, []byte) {
		return d.conf.FPort, d.conf.Payload
	}

	d.session = session.New(engine, timer.NewSoft(d.Post), sessConf, cb)
	d.session.SetEventHandler(&handler{post: d.Post, session: d.session})

	return &d
}

// SetPayloadFunc sets the function providing the uplink payloads.
func (d *Device) SetPayloadFunc(f PayloadFunc) {
	d.payload = f
}

// Session returns the device session. It must only be used from within a
// function posted to the loop.
func (d *Device) Session() *session.Session {
	return d.session
}

// Post queues the given function for execution by the loop. It returns
// without executing f when the loop has stopped.
func (d *Device) Post(f func()) {
	select {
	case d.events <- f:
	case <-d.done:
	}
}

// Run runs the application loop until the given context is cancelled.
func (d *Device) Run(ctx context.Context) error {
	defer close(d.done)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		switch d.session.State() {
		case session.StateInit:
			if err := d.session.Init(d.conf.Class, d.conf.Region); err != nil {
				return errors.Wrap(err, "init session error")
			}
		case session.StateJoining:
			d.session.Join()
		case session.StateSending:
			d.prepareFrame()
			d.session.Send()
			d.session.SetState(session.StateCycleWait)
		case session.StateCycleWait:
			d.session.Cycle(d.dutyCycle())
			d.session.SetState(session.StateSleeping)
		default:
			select {
			case <-ctx.Done():
				return nil
			case f := <-d.events:
				f()
			}
		}
	}
}

func (d *Device) prepareFrame() {
	if d.conf.DeviceTimeReqInterval > 0 && d.uplinks%d.conf.DeviceTimeReqInterval == 0 {
		if err := d.session.DeviceTimeReq(); err != nil {
			log.WithError(err).Warning("device: device-time request error")
		}
	}
	if d.conf.LinkCheckReqInterval > 0 && d.uplinks%d.conf.LinkCheckReqInterval == 0 {
		if err := d.session.LinkCheckReq(); err != nil {
			log.WithError(err).Warning("device: link-check request error")
		}
	}

	port, b := d.payload()
	d.session.SetAppData(port, b)
	d.uplinks++
}

func (d *Device) dutyCycle() time.Duration {
	dc := d.conf.TxDutyCycle
	if d.conf.TxDutyCycleRandom > 0 {
		dc += time.Duration(rand.Int63n(int64(d.conf.TxDutyCycleRandom)))
	}
	return dc
}

// handler forwards the MAC events into the loop.
type handler struct {
	post    func(func())
	session *session.Session
}

func (h *handler) McpsConfirm(c mac.McpsConfirm) {
	h.post(func() { h.session.McpsConfirm(c) })
}

func (h *handler) McpsIndication(ind mac.McpsIndication) {
	h.post(func() { h.session.McpsIndication(ind) })
}

func (h *handler) MlmeConfirm(c mac.MlmeConfirm) {
	h.post(func() { h.session.MlmeConfirm(c) })
}

func (h *handler) MlmeIndication(ind mac.MlmeIndication) {
	h.post(func() { h.session.MlmeIndication(ind) })
}
