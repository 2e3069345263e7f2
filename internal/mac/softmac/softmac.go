// Package softmac implements a LoRaWAN 1.0.x MAC engine for hosts without a
// LoRa radio. Frames are exchanged with a network server through a gateway
// backend, impersonating a single gateway which is in range of the device.
package softmac

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/backend/gateway"
	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/chirpstack-end-device/internal/framelog"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/chirpstack-end-device/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Config holds the engine configuration.
type Config struct {
	DevEUI    lorawan.EUI64
	GatewayID lorawan.EUI64

	RepeaterCompatible   bool
	UplinkDwellTime400ms bool

	// DataRate is the data-rate used for join-requests and for a device
	// without stored context.
	DataRate int
	TXPower  int

	RXWindowTimeout   time.Duration
	JoinAcceptTimeout time.Duration

	UplinkRSSI   int32
	UplinkSNR    float64
	DownlinkRSSI int16
	DownlinkSNR  int8
}

// NewConfig returns the engine configuration from the given config.
func NewConfig(c config.Config) Config {
	return Config{
		DevEUI:               c.Device.DevEUI,
		GatewayID:            c.Gateway.GatewayID,
		RepeaterCompatible:   c.LoRaWAN.Band.RepeaterCompatible,
		UplinkDwellTime400ms: c.LoRaWAN.Band.UplinkDwellTime400ms,
		DataRate:             c.LoRaWAN.DataRate,
		TXPower:              c.MAC.TXPower,
		RXWindowTimeout:      c.MAC.RXWindowTimeout,
		JoinAcceptTimeout:    c.MAC.JoinAcceptTimeout,
		UplinkRSSI:           c.MAC.UplinkRSSI,
		UplinkSNR:            c.MAC.UplinkSNR,
		DownlinkRSSI:         c.MAC.DownlinkRSSI,
		DownlinkSNR:          c.MAC.DownlinkSNR,
	}
}

// Engine implements mac.Engine.
type Engine struct {
	sync.Mutex

	conf    Config
	gateway gateway.Gateway
	store   storage.DeviceContextStore

	handler mac.Handler
	cb      mac.Callbacks
	band    loraband.Band
	region  loraband.Name

	dc            storage.DeviceContext
	adr           bool
	publicNetwork bool
	class         mac.DeviceClass
	channels      channels

	// answers holds the MAC commands sent with the next uplink.
	answers []lorawan.MACCommand
	// pendingMlme holds the MLME requests waiting for an answer.
	pendingMlme map[mac.MlmeType]bool
	ackPending  bool

	busy      bool
	jobs      chan func()
	downlinks chan gw.DownlinkFrame
	closed    chan struct{}
	closeOnce sync.Once
	started   bool
	wg        sync.WaitGroup
}

// New creates a new Engine.
func New(conf Config, backend gateway.Gateway, store storage.DeviceContextStore) *Engine {
	if conf.RXWindowTimeout == 0 {
		conf.RXWindowTimeout = 3 * time.Second
	}
	if conf.JoinAcceptTimeout == 0 {
		conf.JoinAcceptTimeout = 6 * time.Second
	}

	return &Engine{
		conf:        conf,
		gateway:     backend,
		store:       store,
		pendingMlme: make(map[mac.MlmeType]bool),
		jobs:        make(chan func(), 1),
		downlinks:   make(chan gw.DownlinkFrame, 10),
		closed:      make(chan struct{}),
	}
}

// Initialize implements mac.Engine.
func (e *Engine) Initialize(h mac.Handler, cb mac.Callbacks, region loraband.Name) mac.Status {
	if h == nil {
		return mac.StatusParameterInvalid
	}

	dwellTime := lorawan.DwellTimeNoLimit
	if e.conf.UplinkDwellTime400ms {
		dwellTime = lorawan.DwellTime400ms
	}
	b, err := loraband.GetConfig(region, e.conf.RepeaterCompatible, dwellTime)
	if err != nil {
		log.WithError(err).WithField("region", region).Error("softmac: get band config error")
		return mac.StatusRegionNotSupported
	}

	ch, err := newChannels(b, region)
	if err != nil {
		log.WithError(err).WithField("region", region).Error("softmac: setup channels error")
		return mac.StatusRegionNotSupported
	}

	dc, err := e.store.GetDeviceContext(context.Background(), e.conf.DevEUI)
	if err != nil {
		if errors.Cause(err) != storage.ErrDoesNotExist {
			log.WithError(err).WithField("dev_eui", e.conf.DevEUI).Error("softmac: get device-context error")
		}
		dc = storage.DeviceContext{
			DevEUI:   e.conf.DevEUI,
			DataRate: e.conf.DataRate,
			TXPower:  e.conf.TXPower,
		}
	} else {
		for i, f := range dc.ExtraChannels {
			ch.addCFListChannel(i, f)
		}
		log.WithFields(log.Fields{
			"dev_eui":        dc.DevEUI,
			"dev_addr":       dc.DevAddr,
			"network_joined": dc.NetworkJoined,
			"f_cnt_up":       dc.FCntUp,
		}).Info("softmac: device-context restored")
	}

	e.Lock()
	e.handler = h
	e.cb = cb
	e.band = b
	e.region = region
	e.channels = ch
	e.dc = dc
	e.answers = nil
	e.ackPending = false
	e.pendingMlme = make(map[mac.MlmeType]bool)
	start := !e.started
	e.started = true
	e.Unlock()

	if start {
		e.wg.Add(1)
		go e.run()
		go e.receiveDownlinks()
	}

	log.WithFields(log.Fields{
		"dev_eui": e.conf.DevEUI,
		"region":  region,
	}).Info("softmac: mac initialized")

	return mac.StatusOK
}

// Close stops the engine worker. The gateway backend is not closed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	e.wg.Wait()
	return nil
}

// McpsRequest implements mac.Engine.
func (e *Engine) McpsRequest(req mac.McpsRequest) mac.Status {
	e.Lock()
	defer e.Unlock()

	if e.handler == nil {
		return mac.StatusServiceUnknown
	}
	if !e.dc.NetworkJoined {
		return mac.StatusNoNetworkJoined
	}

	switch req.Type {
	case mac.McpsUnconfirmed, mac.McpsConfirmed, mac.McpsProprietary:
	default:
		return mac.StatusServiceUnknown
	}

	if len(req.Payload) != 0 && req.Type != mac.McpsProprietary && (req.FPort == 0 || req.FPort > 223) {
		return mac.StatusParameterInvalid
	}

	dr := e.dc.DataRate
	if !e.adr {
		if _, err := e.band.GetDataRate(req.DataRate); err != nil {
			return mac.StatusDatarateInvalid
		}
		dr = req.DataRate
	}

	n, err := e.maxPayloadSize(dr)
	if err != nil {
		return mac.StatusDatarateInvalid
	}
	if len(req.Payload)+e.fOptsLen() > n {
		return mac.StatusLengthError
	}

	if _, ok := e.channels.pick(dr, false); !ok {
		return mac.StatusNoChannelFound
	}

	if e.busy {
		return mac.StatusBusy
	}
	e.busy = true
	e.dc.DataRate = dr

	req.Payload = append([]byte(nil), req.Payload...)
	e.jobs <- func() { e.sendData(req) }
	return mac.StatusOK
}

// MlmeRequest implements mac.Engine.
func (e *Engine) MlmeRequest(req mac.MlmeRequest) mac.Status {
	e.Lock()
	defer e.Unlock()

	if e.handler == nil {
		return mac.StatusServiceUnknown
	}

	switch req.Type {
	case mac.MlmeJoin:
		if req.Join == nil {
			return mac.StatusParameterInvalid
		}
		if _, ok := e.channels.pick(e.conf.DataRate, true); !ok {
			return mac.StatusNoChannelFound
		}
		if e.busy {
			return mac.StatusBusy
		}
		e.busy = true

		p := *req.Join
		e.jobs <- func() { e.join(p) }
		return mac.StatusOK
	case mac.MlmeLinkCheck, mac.MlmeDeviceTime:
		if !e.dc.NetworkJoined {
			return mac.StatusNoNetworkJoined
		}
		if e.pendingMlme[req.Type] {
			return mac.StatusOK
		}

		cid := lorawan.LinkCheckReq
		if req.Type == mac.MlmeDeviceTime {
			cid = lorawan.DeviceTimeReq
		}
		e.pendingMlme[req.Type] = true
		e.answers = append(e.answers, lorawan.MACCommand{CID: cid})
		return mac.StatusOK
	default:
		return mac.StatusServiceUnknown
	}
}

// QueryTxPossible implements mac.Engine.
func (e *Engine) QueryTxPossible(size int) (mac.TxInfo, mac.Status) {
	e.Lock()
	defer e.Unlock()

	var info mac.TxInfo
	if e.band == nil {
		return info, mac.StatusServiceUnknown
	}

	n, err := e.maxPayloadSize(e.dc.DataRate)
	if err != nil {
		return info, mac.StatusDatarateInvalid
	}

	info.MaxPossibleApplicationDataSize = n
	info.CurrentPossiblePayloadSize = n - e.fOptsLen()
	if size > info.CurrentPossiblePayloadSize {
		return info, mac.StatusLengthError
	}

	return info, mac.StatusOK
}

// GetMIB implements mac.Engine.
func (e *Engine) GetMIB(mib *mac.MIB) mac.Status {
	e.Lock()
	defer e.Unlock()

	switch mib.Type {
	case mac.MIBNetworkJoined:
		mib.NetworkJoined = e.dc.NetworkJoined
	case mac.MIBADR:
		mib.ADR = e.adr
	case mac.MIBPublicNetwork:
		mib.PublicNetwork = e.publicNetwork
	case mac.MIBDeviceClass:
		mib.Class = e.class
	case mac.MIBNetID:
		mib.NetID = e.dc.NetID
	case mac.MIBDevAddr:
		mib.DevAddr = e.dc.DevAddr
	case mac.MIBNwkSKey:
		mib.NwkSKey = e.dc.NwkSKey
	case mac.MIBAppSKey:
		mib.AppSKey = e.dc.AppSKey
	case mac.MIBChannelsMask:
		mib.ChannelsMask = e.channels.mask
	case mac.MIBChannelsDefaultMask:
		mib.ChannelsMask = e.channels.defaultMask
	case mac.MIBChannelsDataRate:
		mib.DataRate = e.dc.DataRate
	default:
		return mac.StatusParameterInvalid
	}

	return mac.StatusOK
}

// SetMIB implements mac.Engine.
func (e *Engine) SetMIB(mib mac.MIB) mac.Status {
	e.Lock()
	defer e.Unlock()

	switch mib.Type {
	case mac.MIBNetworkJoined:
		e.dc.NetworkJoined = mib.NetworkJoined
		e.saveDeviceContext(context.Background())
	case mac.MIBADR:
		e.adr = mib.ADR
	case mac.MIBPublicNetwork:
		e.publicNetwork = mib.PublicNetwork
	case mac.MIBDeviceClass:
		if mib.Class == mac.ClassB {
			return mac.StatusParameterInvalid
		}
		e.class = mib.Class
	case mac.MIBNetID:
		e.dc.NetID = mib.NetID
	case mac.MIBDevAddr:
		if e.dc.DevAddr != mib.DevAddr {
			e.dc.FCntUp = 0
			e.dc.NFCntDown = 0
		}
		e.dc.DevAddr = mib.DevAddr
	case mac.MIBNwkSKey:
		e.dc.NwkSKey = mib.NwkSKey
	case mac.MIBAppSKey:
		e.dc.AppSKey = mib.AppSKey
	case mac.MIBChannelsMask:
		e.channels.mask = mib.ChannelsMask
	case mac.MIBChannelsDefaultMask:
		e.channels.defaultMask = mib.ChannelsMask
	case mac.MIBChannelsDataRate:
		if e.band == nil {
			return mac.StatusServiceUnknown
		}
		if _, err := e.band.GetDataRate(mib.DataRate); err != nil {
			return mac.StatusDatarateInvalid
		}
		e.dc.DataRate = mib.DataRate
	default:
		return mac.StatusParameterInvalid
	}

	return mac.StatusOK
}

// ChannelAdd implements mac.Engine.
func (e *Engine) ChannelAdd(index int, params mac.ChannelParams) mac.Status {
	e.Lock()
	defer e.Unlock()

	if e.band == nil {
		return mac.StatusServiceUnknown
	}

	return e.channels.add(index, params)
}

func (e *Engine) maxPayloadSize(dr int) (int, error) {
	ps, err := e.band.GetMaxPayloadSizeForDataRateIndex("", "", dr)
	if err != nil {
		return 0, err
	}
	return ps.N, nil
}

// run executes the submitted requests. Downlinks received outside of a
// receive window are handled here as well.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closed:
			return
		case job := <-e.jobs:
			job()
		case df := <-e.downlinks:
			e.handleUnsolicitedDownlink(df)
		}
	}
}

// receiveDownlinks acknowledges each downlink frame received from the
// gateway backend and hands it over to the worker.
func (e *Engine) receiveDownlinks() {
	for df := range e.gateway.DownlinkFrameChan() {
		ack := gw.DownlinkTXAck{
			GatewayId:  e.conf.GatewayID[:],
			DownlinkId: df.DownlinkId,
			Token:      df.Token,
		}
		for i := range df.Items {
			status := gw.TxAckStatus_IGNORED
			if i == 0 {
				status = gw.TxAckStatus_OK
			}
			ack.Items = append(ack.Items, &gw.DownlinkTXAckItem{Status: status})
		}

		if err := e.gateway.SendDownlinkTXAck(ack); err != nil {
			log.WithError(err).Error("softmac: send downlink tx ack error")
		}

		if len(df.Items) != 0 {
			if err := framelog.LogDownlinkFrame(context.Background(), e.conf.DevEUI, e.conf.GatewayID, df.Items[0]); err != nil {
				log.WithError(err).Warning("softmac: log downlink frame error")
			}
		}

		select {
		case e.downlinks <- df:
		case <-e.closed:
			return
		}
	}
}

// complete releases the busy flag and delivers the collected events. It must
// be called by each job without holding the lock.
func (e *Engine) complete(events []func(mac.Handler)) {
	e.Lock()
	e.busy = false
	h := e.handler
	e.Unlock()

	for _, f := range events {
		f(h)
	}
}

// receive waits for a downlink within the given receive window.
func (e *Engine) receive(timeout time.Duration) (gw.DownlinkFrame, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case df := <-e.downlinks:
		return df, true
	case <-t.C:
		return gw.DownlinkFrame{}, false
	case <-e.closed:
		return gw.DownlinkFrame{}, false
	}
}

func (e *Engine) saveDeviceContext(ctx context.Context) {
	e.dc.ExtraChannels = e.channels.cfListFrequencies()
	if err := e.store.SaveDeviceContext(ctx, e.dc); err != nil {
		log.WithError(err).WithField("dev_eui", e.dc.DevEUI).Error("softmac: save device-context error")
	}
}
