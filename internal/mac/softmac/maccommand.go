package softmac

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/logging"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/lorawan"
)

const batteryLevelUnknown = 255

// handleMACCommand handles a single downlink mac-command. Answers are
// queued for the next uplink. The lock must be held.
func (e *Engine) handleMACCommand(ctx context.Context, cmd lorawan.MACCommand, ind *mac.McpsIndication, res *uplinkResult) {
	macCommandCounter(cmd.CID.String()).Inc()

	logFields := log.Fields{
		"cid":    cmd.CID,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}

	switch cmd.CID {
	case lorawan.LinkCheckAns:
		pl, ok := cmd.Payload.(*lorawan.LinkCheckAnsPayload)
		if !ok {
			break
		}
		delete(e.pendingMlme, mac.MlmeLinkCheck)
		e.removeAnswer(lorawan.LinkCheckReq)
		res.mlme = append(res.mlme, mac.MlmeConfirm{
			Request:     mac.MlmeLinkCheck,
			Status:      mac.EventStatusOK,
			DemodMargin: pl.Margin,
			NbGateways:  pl.GwCnt,
		})
	case lorawan.DeviceTimeAns:
		pl, ok := cmd.Payload.(*lorawan.DeviceTimeAnsPayload)
		if !ok {
			break
		}
		delete(e.pendingMlme, mac.MlmeDeviceTime)
		e.removeAnswer(lorawan.DeviceTimeReq)
		ind.DeviceTimeAnswer = true
		ind.TimeSinceGPSEpoch = pl.TimeSinceGPSEpoch
		res.mlme = append(res.mlme, mac.MlmeConfirm{
			Request: mac.MlmeDeviceTime,
			Status:  mac.EventStatusOK,
		})
	case lorawan.DevStatusReq:
		battery := uint8(batteryLevelUnknown)
		if e.cb.BatteryLevel != nil {
			battery = e.cb.BatteryLevel()
		}
		if e.cb.TemperatureLevel != nil {
			temperatureGauge().Set(float64(e.cb.TemperatureLevel()))
		}

		margin := e.conf.DownlinkSNR
		if margin < -32 {
			margin = -32
		}
		if margin > 31 {
			margin = 31
		}

		e.answer(lorawan.DevStatusAns, &lorawan.DevStatusAnsPayload{
			Battery: battery,
			Margin:  margin,
		})
	case lorawan.LinkADRReq:
		pl, ok := cmd.Payload.(*lorawan.LinkADRReqPayload)
		if !ok {
			break
		}
		e.answer(lorawan.LinkADRAns, e.handleLinkADRReq(*pl))
	case lorawan.DutyCycleReq:
		e.answer(lorawan.DutyCycleAns, nil)
	case lorawan.RXParamSetupReq:
		pl, ok := cmd.Payload.(*lorawan.RXParamSetupReqPayload)
		if !ok {
			break
		}
		_, drErr := e.band.GetDataRate(int(pl.DLSettings.RX2DataRate))
		ans := lorawan.RXParamSetupAnsPayload{
			ChannelACK:     pl.Frequency != 0,
			RX2DataRateACK: drErr == nil,
			RX1DROffsetACK: pl.DLSettings.RX1DROffset <= 7,
		}
		if ans.ChannelACK && ans.RX2DataRateACK && ans.RX1DROffsetACK {
			e.dc.RX2DataRate = int(pl.DLSettings.RX2DataRate)
			e.dc.RX1DROffset = pl.DLSettings.RX1DROffset
		}
		e.answer(lorawan.RXParamSetupAns, &ans)
	case lorawan.RXTimingSetupReq:
		if pl, ok := cmd.Payload.(*lorawan.RXTimingSetupReqPayload); ok {
			e.dc.RXDelay = pl.Delay
		}
		e.answer(lorawan.RXTimingSetupAns, nil)
	case lorawan.NewChannelReq:
		pl, ok := cmd.Payload.(*lorawan.NewChannelReqPayload)
		if !ok {
			break
		}
		status := e.channels.add(int(pl.ChIndex), mac.ChannelParams{
			Frequency: pl.Freq,
			MinDR:     int(pl.MinDR),
			MaxDR:     int(pl.MaxDR),
		})
		if status == mac.StatusOK {
			e.channels.mask[pl.ChIndex/16] |= 1 << uint(pl.ChIndex%16)
		}
		e.answer(lorawan.NewChannelAns, &lorawan.NewChannelAnsPayload{
			ChannelFrequencyOK: status == mac.StatusOK || status == mac.StatusDatarateInvalid,
			DataRateRangeOK:    status == mac.StatusOK || status == mac.StatusFrequencyInvalid,
		})
	case lorawan.DLChannelReq:
		pl, ok := cmd.Payload.(*lorawan.DLChannelReqPayload)
		if !ok {
			break
		}
		e.answer(lorawan.DLChannelAns, &lorawan.DLChannelAnsPayload{
			UplinkFrequencyExists: e.channels.frequency(int(pl.ChIndex)) != 0,
			ChannelFrequencyOK:    pl.Freq != 0,
		})
	case lorawan.TXParamSetupReq:
		e.answer(lorawan.TXParamSetupAns, nil)
	default:
		log.WithFields(logFields).Warning("softmac: unsupported mac-command")
		return
	}

	log.WithFields(logFields).Info("softmac: mac-command handled")
}

func (e *Engine) answer(cid lorawan.CID, pl lorawan.MACCommandPayload) {
	e.answers = append(e.answers, lorawan.MACCommand{
		CID:     cid,
		Payload: pl,
	})
}

// handleLinkADRReq validates and applies the given request. The data-rate
// and tx-power are only applied when ADR is enabled; the request is
// rejected as a whole when one of its fields is invalid.
func (e *Engine) handleLinkADRReq(pl lorawan.LinkADRReqPayload) *lorawan.LinkADRAnsPayload {
	ans := lorawan.LinkADRAnsPayload{
		ChannelMaskACK: true,
		DataRateACK:    true,
		PowerACK:       true,
	}

	chans := e.channels
	switch cntl := int(pl.Redundancy.ChMaskCntl); {
	case cntl < len(chans.mask):
		var word uint16
		for i, enabled := range pl.ChMask {
			if !enabled {
				continue
			}
			if !chans.list[cntl*16+i].defined {
				ans.ChannelMaskACK = false
			}
			word |= 1 << uint(i)
		}
		chans.mask[cntl] = word
	case cntl == 6:
		chans.enableAll()
	default:
		ans.ChannelMaskACK = false
	}

	dr := e.dc.DataRate
	txPower := e.dc.TXPower
	if e.adr {
		if pl.DataRate != 15 {
			if _, err := e.band.GetDataRate(int(pl.DataRate)); err != nil {
				ans.DataRateACK = false
			}
			dr = int(pl.DataRate)
		}
		if pl.TXPower != 15 {
			if _, err := e.band.GetTXPowerOffset(int(pl.TXPower)); err != nil {
				ans.PowerACK = false
			}
			txPower = int(pl.TXPower)
		}
	}

	if ans.ChannelMaskACK && ans.DataRateACK && ans.PowerACK {
		e.channels = chans
		e.dc.DataRate = dr
		e.dc.TXPower = txPower
	}

	return &ans
}
