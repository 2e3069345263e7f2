// Package session implements the LoRaWAN end-device session orchestration.
//
// A Session drives the join procedure, builds and submits uplinks and reacts
// on the confirm and indication events of the MAC engine. It is not safe for
// concurrent use: all entry points (including the timer callback and the
// mac.Handler methods) must be invoked from a single goroutine.
package session

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/band"
	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/chirpstack-end-device/internal/timer"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// MaxAppDataSize defines the max size of the application payload.
const MaxAppDataSize = 242

// DefaultRejoinDelay defines the delay before retrying a failed join.
const DefaultRejoinDelay = 30 * time.Second

// joinNbTrials defines the number of join trials per join request.
const joinNbTrials = 1

// State defines the session state.
type State int

// Available states.
const (
	StateInit State = iota
	StateJoining
	StateSending
	StateCycleWait
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJoining:
		return "JOIN"
	case StateSending:
		return "SEND"
	case StateCycleWait:
		return "CYCLE"
	case StateSleeping:
		return "SLEEP"
	}
	return "UNKNOWN"
}

// Config holds the session configuration.
type Config struct {
	OTAA    bool
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key

	// ABP session
	DevAddr lorawan.DevAddr
	NetID   lorawan.NetID
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	ADR               bool
	PublicNetwork     bool
	Confirmed         bool
	ConfirmedNbTrials uint8
	DataRate          int
	FPort             uint8

	Channels     []band.Channel
	ChannelsMask mac.ChannelsMask
	RejoinDelay  time.Duration
}

// NewConfig returns the session configuration from the given configuration.
// The band package must be set up first.
func NewConfig(c config.Config) Config {
	nbTrials := c.LoRaWAN.ConfirmedNbTrials
	if nbTrials < 1 {
		nbTrials = 1
	}
	if nbTrials > 255 {
		nbTrials = 255
	}

	return Config{
		OTAA:              c.Device.OTAA,
		DevEUI:            c.Device.DevEUI,
		JoinEUI:           c.Device.JoinEUI,
		AppKey:            c.Device.AppKey,
		DevAddr:           c.Device.DevAddr,
		NetID:             c.Device.NetID,
		NwkSKey:           c.Device.NwkSKey,
		AppSKey:           c.Device.AppSKey,
		ADR:               c.LoRaWAN.ADR,
		PublicNetwork:     c.LoRaWAN.PublicNetwork,
		Confirmed:         c.LoRaWAN.Confirmed,
		ConfirmedNbTrials: uint8(nbTrials),
		DataRate:          c.LoRaWAN.DataRate,
		FPort:             c.Application.FPort,
		Channels:          band.ChannelPlan().Channels,
		ChannelsMask:      band.UserChannelsMask(),
		RejoinDelay:       c.LoRaWAN.RejoinDelay,
	}
}

// Session implements the end-device session.
type Session struct {
	engine  mac.Engine
	timer   timer.Timer
	handler mac.Handler
	conf    Config
	cb      Callbacks

	class  mac.DeviceClass
	region loraband.Name
	state  State
	nextTx bool

	appData []byte
	appPort uint8
}

// New creates a new Session. The timer callback is registered to the
// session timer evaluation.
func New(engine mac.Engine, t timer.Timer, conf Config, cb Callbacks) *Session {
	if conf.RejoinDelay <= 0 {
		conf.RejoinDelay = DefaultRejoinDelay
	}

	s := Session{
		engine:  engine,
		timer:   t,
		conf:    conf,
		cb:      cb,
		state:   StateInit,
		nextTx:  true,
		appPort: conf.FPort,
	}
	s.handler = &s
	t.Init(s.onTimerEvent)

	return &s
}

// SetEventHandler sets the handler registered with the MAC engine on Init.
// By default this is the session itself. A different handler must forward
// the events to the session.
func (s *Session) SetEventHandler(h mac.Handler) {
	s.handler = h
}

// Init initializes the MAC engine for the given class and region.
// Class B is not supported and is downgraded to class A.
func (s *Session) Init(class mac.DeviceClass, region loraband.Name) error {
	if class == mac.ClassB {
		log.Warning("session: class B is not supported, falling back to class A")
		class = mac.ClassA
	}
	s.class = class
	s.region = region

	st := s.engine.Initialize(s.handler, mac.Callbacks{
		BatteryLevel:     s.batteryLevel,
		TemperatureLevel: s.temperatureLevel,
	}, region)
	if st != mac.StatusOK {
		return errors.Wrap(st.Err(), "initialize mac error")
	}

	log.WithFields(log.Fields{
		"region": band.RegionName(region),
		"class":  class,
	}).Info("session: mac initialized")

	if s.cb.OnInit != nil {
		s.cb.OnInit(band.RegionName(region), class)
	}

	mib := mac.MIB{Type: mac.MIBNetworkJoined}
	if st := s.engine.GetMIB(&mib); st != mac.StatusOK {
		return errors.Wrap(st.Err(), "get network joined error")
	}

	if mib.NetworkJoined {
		s.SetState(StateSending)
		return nil
	}

	for _, m := range []mac.MIB{
		{Type: mac.MIBADR, ADR: s.conf.ADR},
		{Type: mac.MIBPublicNetwork, PublicNetwork: s.conf.PublicNetwork},
		{Type: mac.MIBDeviceClass, Class: class},
	} {
		s.setMIB(m)
	}
	s.updateChannels()
	s.SetState(StateJoining)

	return nil
}

// Join starts the OTAA join procedure or activates the ABP session.
func (s *Session) Join() {
	if s.conf.OTAA {
		log.WithFields(log.Fields{
			"dev_eui":  s.conf.DevEUI,
			"join_eui": s.conf.JoinEUI,
		}).Info("session: joining network using otaa")
		s.joinRequest()
		return
	}

	for _, m := range []mac.MIB{
		{Type: mac.MIBNetID, NetID: s.conf.NetID},
		{Type: mac.MIBDevAddr, DevAddr: s.conf.DevAddr},
		{Type: mac.MIBNwkSKey, NwkSKey: s.conf.NwkSKey},
		{Type: mac.MIBAppSKey, AppSKey: s.conf.AppSKey},
		{Type: mac.MIBNetworkJoined, NetworkJoined: true},
	} {
		s.setMIB(m)
	}

	log.WithFields(log.Fields{
		"dev_addr": s.conf.DevAddr,
		"net_id":   s.conf.NetID,
	}).Info("session: abp session activated")

	s.SetState(StateSending)
}

// Send builds and submits an uplink when no uplink is outstanding.
func (s *Session) Send() {
	if !s.nextTx {
		log.Debug("session: uplink outstanding, skipping send")
		return
	}
	s.nextTx = !s.sendFrame()
}

// Cycle (re-)arms the duty-cycle timer with the given value.
func (s *Session) Cycle(d time.Duration) {
	s.timer.Stop()
	s.timer.SetValue(d)
	s.timer.Start()

	log.WithField("duration", d).Debug("session: duty-cycle timer started")
}

// DeviceTimeReq requests the network time. The answer is piggy-backed on
// the next uplink and reported through OnSysTimeUpdate.
func (s *Session) DeviceTimeReq() error {
	if st := s.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeDeviceTime}); st != mac.StatusOK {
		return errors.Wrap(st.Err(), "device-time request error")
	}
	return nil
}

// LinkCheckReq requests a link check. The answer is piggy-backed on the
// next uplink.
func (s *Session) LinkCheckReq() error {
	if st := s.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeLinkCheck}); st != mac.StatusOK {
		return errors.Wrap(st.Err(), "link-check request error")
	}
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// SetState sets the state.
func (s *Session) SetState(st State) {
	if s.state != st {
		log.WithFields(log.Fields{
			"from": s.state,
			"to":   st,
		}).Debug("session: state transition")
	}
	s.state = st
	stateCounter(st.String()).Inc()
}

// NextTx returns true when no uplink is outstanding.
func (s *Session) NextTx() bool {
	return s.nextTx
}

// Class returns the (effective) device class.
func (s *Session) Class() mac.DeviceClass {
	return s.class
}

// SetAppData sets the port and payload of the next uplink. The payload is
// truncated to MaxAppDataSize.
func (s *Session) SetAppData(port uint8, b []byte) {
	if len(b) > MaxAppDataSize {
		log.WithFields(log.Fields{
			"size":     len(b),
			"max_size": MaxAppDataSize,
		}).Warning("session: application payload truncated")
		b = b[:MaxAppDataSize]
	}
	s.appPort = port
	s.appData = append(s.appData[:0], b...)
}

// AppData returns the port and payload of the next uplink.
func (s *Session) AppData() (uint8, []byte) {
	return s.appPort, s.appData
}

// onTimerEvent is the duty-cycle timer evaluation. It is also invoked on
// frame-pending and schedule-uplink events.
func (s *Session) onTimerEvent() {
	s.timer.Stop()

	mib := mac.MIB{Type: mac.MIBNetworkJoined}
	if st := s.engine.GetMIB(&mib); st != mac.StatusOK {
		log.WithError(st.Err()).Error("session: get network joined error")
		return
	}

	if mib.NetworkJoined {
		s.SetState(StateSending)
		s.nextTx = true
		return
	}

	s.joinRequest()
}

func (s *Session) joinRequest() {
	st := s.engine.MlmeRequest(mac.MlmeRequest{
		Type: mac.MlmeJoin,
		Join: &mac.JoinParams{
			DevEUI:   s.conf.DevEUI,
			JoinEUI:  s.conf.JoinEUI,
			AppKey:   s.conf.AppKey,
			NbTrials: joinNbTrials,
		},
	})
	joinRequestCounter(st.String()).Inc()

	if st == mac.StatusOK {
		log.Info("session: join request accepted")
		s.SetState(StateSleeping)
		return
	}

	log.WithError(st.Err()).Warning("session: join request rejected")
	s.SetState(StateCycleWait)
}

func (s *Session) setMIB(m mac.MIB) {
	if st := s.engine.SetMIB(m); st != mac.StatusOK {
		log.WithError(st.Err()).WithField("mib", m.Type).Error("session: set mib error")
	}
}

func (s *Session) batteryLevel() uint8 {
	if s.cb.OnGetBatteryLevel != nil {
		return s.cb.OnGetBatteryLevel()
	}
	return BatteryLevelUnknown
}

func (s *Session) temperatureLevel() float32 {
	if s.cb.OnGetTemperatureLevel != nil {
		return s.cb.OnGetTemperatureLevel()
	}
	return 0
}
