package softmac

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/logging"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/lorawan"
)

// errNoJoinAccept is returned when a received downlink is not a valid
// join-accept for the pending join-request.
var errNoJoinAccept = errors.New("no join-accept")

// join sends join-requests until a join-accept is received or the number
// of trials is exhausted.
func (e *Engine) join(p mac.JoinParams) {
	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		log.WithError(err).Error("softmac: new context error")
	}

	nbTrials := int(p.NbTrials)
	if nbTrials < 1 {
		nbTrials = 1
	}

	confirm := mac.MlmeConfirm{
		Request: mac.MlmeJoin,
		Status:  mac.EventStatusJoinFail,
	}

	for trial := 1; trial <= nbTrials; trial++ {
		confirm.NbRetries = uint8(trial)

		devNonce, err := e.sendJoinRequest(ctx, p)
		if err != nil {
			log.WithError(err).WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Error("softmac: send join-request error")
			confirm.Status = mac.EventStatusTxTimeout
			continue
		}

		df, ok := e.receive(e.conf.JoinAcceptTimeout)
		if !ok {
			log.WithFields(log.Fields{
				"dev_eui": p.DevEUI,
				"trial":   trial,
				"ctx_id":  ctx.Value(logging.ContextIDKey),
			}).Warning("softmac: no join-accept received")
			confirm.Status = mac.EventStatusJoinFail
			continue
		}

		status := e.handleJoinAccept(ctx, p, devNonce, df)
		confirm.Status = status
		if status == mac.EventStatusOK {
			break
		}
	}

	joinCounter(confirm.Status.String()).Inc()

	e.complete([]func(mac.Handler){
		func(h mac.Handler) { h.MlmeConfirm(confirm) },
	})
}

func (e *Engine) sendJoinRequest(ctx context.Context, p mac.JoinParams) (lorawan.DevNonce, error) {
	e.Lock()
	defer e.Unlock()

	// DevNonce is incremented for each join-request and persisted so that
	// it is never re-used after a restart.
	e.dc.DevNonce++
	devNonce := e.dc.DevNonce
	e.saveDeviceContext(ctx)

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinRequest,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  p.JoinEUI,
			DevEUI:   p.DevEUI,
			DevNonce: devNonce,
		},
	}

	if err := phy.SetUplinkJoinMIC(p.AppKey); err != nil {
		return devNonce, errors.Wrap(err, "set uplink join mic error")
	}

	ch, ok := e.channels.pick(e.conf.DataRate, true)
	if !ok {
		return devNonce, errors.New("no channel available")
	}

	uf, _, err := e.newUplinkFrame(phy, ch, e.conf.DataRate)
	if err != nil {
		return devNonce, err
	}

	log.WithFields(log.Fields{
		"dev_eui":   p.DevEUI,
		"join_eui":  p.JoinEUI,
		"dev_nonce": devNonce,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Info("softmac: sending join-request")

	return devNonce, e.sendUplinkFrame(ctx, uf, phy.MHDR.MType)
}

func (e *Engine) handleJoinAccept(ctx context.Context, p mac.JoinParams, devNonce lorawan.DevNonce, df gw.DownlinkFrame) mac.EventStatus {
	status := mac.EventStatusJoinFail

	for _, item := range df.Items {
		var phy lorawan.PHYPayload
		if err := phy.UnmarshalBinary(item.GetPhyPayload()); err != nil {
			log.WithError(err).Error("softmac: unmarshal downlink phypayload error")
			continue
		}

		err := e.processJoinAccept(ctx, p, devNonce, phy)
		if err == nil {
			return mac.EventStatusOK
		}
		if errors.Cause(err) == errInvalidMIC {
			status = mac.EventStatusMICFail
		}
		log.WithError(err).WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Warning("softmac: handle join-accept error")
	}

	return status
}

func (e *Engine) processJoinAccept(ctx context.Context, p mac.JoinParams, devNonce lorawan.DevNonce, phy lorawan.PHYPayload) error {
	if phy.MHDR.MType != lorawan.JoinAccept {
		return errors.Wrapf(errNoJoinAccept, "unexpected m_type %s", phy.MHDR.MType)
	}

	// A join-accept encrypted with another key decrypts to garbage, which
	// is reported as a MIC failure.
	if err := phy.DecryptJoinAcceptPayload(p.AppKey); err != nil {
		return errors.Wrapf(errInvalidMIC, "decrypt join-accept payload error: %s", err)
	}

	ok, err := phy.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, p.JoinEUI, devNonce, p.AppKey)
	if err != nil {
		return errors.Wrapf(errInvalidMIC, "validate mic error: %s", err)
	}
	if !ok {
		return errInvalidMIC
	}

	jaPL, ok := phy.MACPayload.(*lorawan.JoinAcceptPayload)
	if !ok {
		return errors.Errorf("expected *lorawan.JoinAcceptPayload, got %T", phy.MACPayload)
	}

	nwkSKey, err := getNwkSKey(p.AppKey, jaPL.HomeNetID, jaPL.JoinNonce, devNonce)
	if err != nil {
		return errors.Wrap(err, "get nwk_s_key error")
	}
	appSKey, err := getAppSKey(p.AppKey, jaPL.HomeNetID, jaPL.JoinNonce, devNonce)
	if err != nil {
		return errors.Wrap(err, "get app_s_key error")
	}

	e.Lock()
	defer e.Unlock()

	e.dc.NetworkJoined = true
	e.dc.DevAddr = jaPL.DevAddr
	e.dc.NetID = jaPL.HomeNetID
	e.dc.NwkSKey = nwkSKey
	e.dc.AppSKey = appSKey
	e.dc.FCntUp = 0
	e.dc.NFCntDown = 0
	e.dc.RX1DROffset = jaPL.DLSettings.RX1DROffset
	e.dc.RX2DataRate = int(jaPL.DLSettings.RX2DataRate)
	e.dc.RXDelay = jaPL.RXDelay
	e.dc.DataRate = e.conf.DataRate
	e.answers = nil
	e.pendingMlme = make(map[mac.MlmeType]bool)
	e.ackPending = false

	e.applyCFList(jaPL.CFList)
	e.saveDeviceContext(ctx)

	log.WithFields(log.Fields{
		"dev_eui":  p.DevEUI,
		"dev_addr": jaPL.DevAddr,
		"net_id":   jaPL.HomeNetID,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("softmac: join-accept received")

	return nil
}

func (e *Engine) applyCFList(cfList *lorawan.CFList) {
	if cfList == nil {
		return
	}

	switch pl := cfList.Payload.(type) {
	case *lorawan.CFListChannelPayload:
		for i, f := range pl.Channels {
			e.channels.addCFListChannel(i, f)
		}
	case *lorawan.CFListChannelMaskPayload:
		for i, m := range pl.ChannelMasks {
			if i >= len(e.channels.mask) {
				break
			}
			var word uint16
			for j, enabled := range m {
				if enabled {
					word |= 1 << uint(j)
				}
			}
			e.channels.mask[i] = word
		}
	}
}
