package softmac

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/logging"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/lorawan"
)

const (
	maxFCntGap  = 16384
	maxFOptsLen = 15
)

var (
	errInvalidMIC = errors.New("invalid mic")
	errDevAddr    = errors.New("dev_addr does not match")
)

// uplinkResult holds the outcome of a single receive window.
type uplinkResult struct {
	indication *mac.McpsIndication
	mlme       []mac.MlmeConfirm
	schedule   bool
}

// sendData sends the given data uplink. Confirmed uplinks are retransmitted
// with the same frame-counter until acknowledged.
func (e *Engine) sendData(req mac.McpsRequest) {
	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		log.WithError(err).Error("softmac: new context error")
	}

	nbTrials := 1
	if req.Type == mac.McpsConfirmed && req.NbTrials > 1 {
		nbTrials = int(req.NbTrials)
	}

	confirm := mac.McpsConfirm{
		Request: req.Type,
		Status:  mac.EventStatusOK,
	}

	var res uplinkResult
	for trial := 1; trial <= nbTrials; trial++ {
		confirm.NbRetries = uint8(trial)

		ch, toa, err := e.sendDataUplink(ctx, req, &confirm)
		if err != nil {
			log.WithError(err).WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Error("softmac: send uplink error")
			confirm.Status = mac.EventStatusTxTimeout
			break
		}
		confirm.Channel = ch
		confirm.TxTimeOnAir = toa

		df, ok := e.receive(e.conf.RXWindowTimeout)
		if !ok {
			if req.Type == mac.McpsConfirmed {
				confirm.Status = mac.EventStatusRx2Timeout
				continue
			}
			break
		}

		res = e.handleDataDownlink(ctx, df, confirm.DataRate)
		if res.indication != nil && res.indication.AckReceived {
			confirm.AckReceived = true
			confirm.Status = mac.EventStatusOK
			break
		}
		if req.Type == mac.McpsConfirmed {
			confirm.Status = mac.EventStatusRx2Timeout
		}
	}

	e.Lock()
	e.dc.FCntUp++
	e.saveDeviceContext(ctx)

	// requests which were not answered within the receive window
	for typ := range e.pendingMlme {
		res.mlme = append(res.mlme, mac.MlmeConfirm{Request: typ, Status: mac.EventStatusRx2Timeout})
		delete(e.pendingMlme, typ)
		e.removeAnswer(mlmeCID(typ))
	}
	e.Unlock()

	events := []func(mac.Handler){
		func(h mac.Handler) { h.McpsConfirm(confirm) },
	}
	if ind := res.indication; ind != nil {
		events = append(events, func(h mac.Handler) { h.McpsIndication(*ind) })
	}
	for i := range res.mlme {
		c := res.mlme[i]
		events = append(events, func(h mac.Handler) { h.MlmeConfirm(c) })
	}
	if res.schedule {
		events = append(events, func(h mac.Handler) {
			h.MlmeIndication(mac.MlmeIndication{Indication: mac.MlmeScheduleUplink, Status: mac.EventStatusOK})
		})
	}

	e.complete(events)
}

func (e *Engine) sendDataUplink(ctx context.Context, req mac.McpsRequest, confirm *mac.McpsConfirm) (int, time.Duration, error) {
	e.Lock()
	defer e.Unlock()

	dr := e.dc.DataRate
	ch, ok := e.channels.pick(dr, false)
	if !ok {
		return 0, 0, errors.New("no channel available")
	}

	phy, err := e.newDataPHYPayload(req)
	if err != nil {
		return 0, 0, err
	}

	uf, toa, err := e.newUplinkFrame(phy, ch, dr)
	if err != nil {
		return 0, 0, err
	}

	confirm.DataRate = dr
	confirm.TxPower = e.dc.TXPower
	confirm.UplinkCounter = e.dc.FCntUp

	return ch, toa, e.sendUplinkFrame(ctx, uf, phy.MHDR.MType)
}

func (e *Engine) newDataPHYPayload(req mac.McpsRequest) (lorawan.PHYPayload, error) {
	if req.Type == mac.McpsProprietary {
		return lorawan.PHYPayload{
			MHDR: lorawan.MHDR{
				MType: lorawan.Proprietary,
				Major: lorawan.LoRaWANR1,
			},
			MACPayload: &lorawan.DataPayload{Bytes: req.Payload},
		}, nil
	}

	mType := lorawan.UnconfirmedDataUp
	if req.Type == mac.McpsConfirmed {
		mType = lorawan.ConfirmedDataUp
	}

	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: e.dc.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR: e.adr,
				ACK: e.ackPending,
			},
			FCnt: e.dc.FCntUp,
		},
	}
	for _, cmd := range e.fOpts() {
		cmd := cmd
		macPL.FHDR.FOpts = append(macPL.FHDR.FOpts, &cmd)
	}

	if len(req.Payload) != 0 {
		fPort := req.FPort
		macPL.FPort = &fPort
		macPL.FRMPayload = []lorawan.Payload{
			&lorawan.DataPayload{Bytes: req.Payload},
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &macPL,
	}

	if macPL.FPort != nil {
		if err := phy.EncryptFRMPayload(e.dc.AppSKey); err != nil {
			return phy, errors.Wrap(err, "encrypt frm_payload error")
		}
	}

	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, e.dc.NwkSKey, e.dc.NwkSKey); err != nil {
		return phy, errors.Wrap(err, "set uplink data mic error")
	}

	// answers are sent once, ack with the first transmission
	e.ackPending = false
	e.removeSentAnswers(len(macPL.FHDR.FOpts))

	return phy, nil
}

// handleDataDownlink processes a downlink received within a receive window
// of the uplink sent at the given data-rate.
func (e *Engine) handleDataDownlink(ctx context.Context, df gw.DownlinkFrame, uplinkDR int) uplinkResult {
	var res uplinkResult

	for i, item := range df.Items {
		slot := mac.RxSlot1 + i
		if slot > mac.RxSlot2 {
			slot = mac.RxSlot2
		}

		e.Lock()
		dr := e.dc.RX2DataRate
		if slot == mac.RxSlot1 {
			if rx1DR, err := e.band.GetRX1DataRateIndex(uplinkDR, int(e.dc.RX1DROffset)); err == nil {
				dr = rx1DR
			}
		}
		e.Unlock()

		r, err := e.processDataDownlink(ctx, item, slot, dr)
		if err != nil {
			log.WithError(err).WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Warning("softmac: handle downlink error")
			continue
		}
		return r
	}

	return res
}

// handleUnsolicitedDownlink processes a downlink received outside of a
// receive window. Only Class-C devices listen at that moment.
func (e *Engine) handleUnsolicitedDownlink(df gw.DownlinkFrame) {
	e.Lock()
	listening := e.class == mac.ClassC && e.dc.NetworkJoined
	dr := e.dc.RX2DataRate
	e.Unlock()

	if !listening {
		log.Debug("softmac: dropping downlink received outside receive window")
		return
	}

	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		log.WithError(err).Error("softmac: new context error")
	}

	var res uplinkResult
	for _, item := range df.Items {
		r, err := e.processDataDownlink(ctx, item, mac.RxSlotClassC, dr)
		if err != nil {
			log.WithError(err).WithField("ctx_id", ctx.Value(logging.ContextIDKey)).Warning("softmac: handle class-c downlink error")
			continue
		}
		res = r
		break
	}

	var events []func(mac.Handler)
	if ind := res.indication; ind != nil {
		events = append(events, func(h mac.Handler) { h.McpsIndication(*ind) })
	}
	for i := range res.mlme {
		c := res.mlme[i]
		events = append(events, func(h mac.Handler) { h.MlmeConfirm(c) })
	}
	if res.schedule {
		events = append(events, func(h mac.Handler) {
			h.MlmeIndication(mac.MlmeIndication{Indication: mac.MlmeScheduleUplink, Status: mac.EventStatusOK})
		})
	}

	e.Lock()
	h := e.handler
	e.Unlock()
	for _, f := range events {
		f(h)
	}
}

func (e *Engine) processDataDownlink(ctx context.Context, item *gw.DownlinkFrameItem, slot, dr int) (uplinkResult, error) {
	var res uplinkResult

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(item.GetPhyPayload()); err != nil {
		return res, errors.Wrap(err, "unmarshal phypayload error")
	}

	indication := mac.McpsUnconfirmed
	switch phy.MHDR.MType {
	case lorawan.UnconfirmedDataDown:
	case lorawan.ConfirmedDataDown:
		indication = mac.McpsConfirmed
	default:
		return res, errors.Errorf("unexpected m_type %s", phy.MHDR.MType)
	}

	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return res, errors.Errorf("expected *lorawan.MACPayload, got %T", phy.MACPayload)
	}

	e.Lock()
	defer e.Unlock()

	downlinkCounter(phy.MHDR.MType.String()).Inc()

	ind := mac.McpsIndication{
		Indication: indication,
		Status:     mac.EventStatusOK,
		RxDataRate: dr,
		Rssi:       e.conf.DownlinkRSSI,
		Snr:        e.conf.DownlinkSNR,
		RxSlot:     slot,
	}

	if macPL.FHDR.DevAddr != e.dc.DevAddr {
		return res, errors.Wrapf(errDevAddr, "dev_addr %s", macPL.FHDR.DevAddr)
	}

	fCnt, status := getFullFCnt(e.dc.NFCntDown, macPL.FHDR.FCnt)
	if status != mac.EventStatusOK {
		ind.Status = status
		res.indication = &ind
		return res, nil
	}
	macPL.FHDR.FCnt = fCnt

	ok, err := phy.ValidateDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, e.dc.NwkSKey)
	if err != nil {
		return res, errors.Wrap(err, "validate mic error")
	}
	if !ok {
		ind.Status = mac.EventStatusMICFail
		res.indication = &ind
		return res, nil
	}

	e.dc.NFCntDown = fCnt + 1

	ind.DownlinkCounter = fCnt
	ind.FramePending = macPL.FHDR.FCtrl.FPending
	ind.AckReceived = macPL.FHDR.FCtrl.ACK

	var commands []lorawan.Payload
	if macPL.FPort != nil {
		ind.Port = *macPL.FPort

		key := e.dc.AppSKey
		if *macPL.FPort == 0 {
			key = e.dc.NwkSKey
		}
		if err := phy.DecryptFRMPayload(key); err != nil {
			return res, errors.Wrap(err, "decrypt frm_payload error")
		}

		if *macPL.FPort == 0 {
			if err := phy.DecodeFRMPayloadToMACCommands(); err != nil {
				return res, errors.Wrap(err, "decode frm_payload mac-commands error")
			}
			commands = macPL.FRMPayload
		} else if len(macPL.FRMPayload) == 1 {
			if pl, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
				ind.RxData = true
				ind.Payload = append([]byte(nil), pl.Bytes...)
			}
		}
	}

	if err := phy.DecodeFOptsToMACCommands(); err != nil {
		return res, errors.Wrap(err, "decode fopts mac-commands error")
	}
	commands = append(commands, macPL.FHDR.FOpts...)

	for _, pl := range commands {
		cmd, ok := pl.(*lorawan.MACCommand)
		if !ok {
			continue
		}
		e.handleMACCommand(ctx, *cmd, &ind, &res)
	}

	if indication == mac.McpsConfirmed {
		e.ackPending = true
		res.schedule = true
	}
	if len(e.answers) != 0 {
		res.schedule = true
	}

	log.WithFields(log.Fields{
		"dev_addr":     e.dc.DevAddr,
		"f_cnt":        fCnt,
		"f_port":       ind.Port,
		"rx_slot":      slot,
		"mac_commands": len(commands),
		"ctx_id":       ctx.Value(logging.ContextIDKey),
	}).Info("softmac: downlink received")

	e.saveDeviceContext(ctx)
	res.indication = &ind
	return res, nil
}

// getFullFCnt reconstructs the 32 bit frame-counter from the 16 LSB
// transmitted over the air, given the next expected frame-counter.
func getFullFCnt(next, fCnt uint32) (uint32, mac.EventStatus) {
	gap := uint32(uint16(fCnt) - uint16(next%(1<<16)))
	if gap < maxFCntGap {
		return next + gap, mac.EventStatusOK
	}

	if uint16(fCnt) == uint16(next-1) && next != 0 {
		return next - 1, mac.EventStatusDownlinkRepeated
	}
	return 0, mac.EventStatusDownlinkTooManyFramesLoss
}

// fOpts returns the answers which fit into the FOpts field.
func (e *Engine) fOpts() []lorawan.MACCommand {
	var size int
	for i, cmd := range e.answers {
		b, err := cmd.MarshalBinary()
		if err != nil || size+len(b) > maxFOptsLen {
			return e.answers[:i]
		}
		size += len(b)
	}
	return e.answers
}

func (e *Engine) fOptsLen() int {
	var size int
	for _, cmd := range e.fOpts() {
		b, _ := cmd.MarshalBinary()
		size += len(b)
	}
	return size
}

// removeSentAnswers removes the sent answers. MLME requests stay pending
// until answered.
func (e *Engine) removeSentAnswers(n int) {
	var remaining []lorawan.MACCommand
	for i, cmd := range e.answers {
		if i >= n || cmd.CID == lorawan.LinkCheckReq || cmd.CID == lorawan.DeviceTimeReq {
			remaining = append(remaining, cmd)
		}
	}
	e.answers = remaining
}

func (e *Engine) removeAnswer(cid lorawan.CID) {
	var remaining []lorawan.MACCommand
	for _, cmd := range e.answers {
		if cmd.CID != cid {
			remaining = append(remaining, cmd)
		}
	}
	e.answers = remaining
}

func mlmeCID(t mac.MlmeType) lorawan.CID {
	if t == mac.MlmeDeviceTime {
		return lorawan.DeviceTimeReq
	}
	return lorawan.LinkCheckReq
}
