package session

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/gps"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
)

// McpsConfirm implements mac.Handler. Every confirm releases the uplink slot,
// also when the uplink failed.
func (s *Session) McpsConfirm(c mac.McpsConfirm) {
	mcpsConfirmCounter(c.Request.String(), c.Status.String()).Inc()

	logFields := log.Fields{
		"request":        c.Request,
		"status":         c.Status,
		"dr":             c.DataRate,
		"tx_power":       c.TxPower,
		"uplink_counter": c.UplinkCounter,
		"channel":        c.Channel,
	}

	if c.Status == mac.EventStatusOK {
		switch c.Request {
		case mac.McpsUnconfirmed:
			log.WithFields(logFields).Info("session: unconfirmed uplink sent")
		case mac.McpsConfirmed:
			logFields["ack_received"] = c.AckReceived
			logFields["nb_retries"] = c.NbRetries
			log.WithFields(logFields).Info("session: confirmed uplink sent")
		case mac.McpsProprietary:
			log.WithFields(logFields).Info("session: proprietary uplink sent")
		default:
			log.WithFields(logFields).Debug("session: uplink confirmed")
		}
	} else {
		log.WithFields(logFields).Warning("session: uplink failed")
	}

	s.nextTx = true
}

// McpsIndication implements mac.Handler.
func (s *Session) McpsIndication(ind mac.McpsIndication) {
	mcpsIndicationCounter(ind.Indication.String(), ind.Status.String()).Inc()

	if ind.Status != mac.EventStatusOK {
		log.WithField("status", ind.Status).Debug("session: dropping indication with error status")
		return
	}

	log.WithFields(log.Fields{
		"indication":       ind.Indication,
		"rssi":             ind.Rssi,
		"snr":              ind.Snr,
		"dr":               ind.RxDataRate,
		"rx_slot":          ind.RxSlot,
		"downlink_counter": ind.DownlinkCounter,
		"frame_pending":    ind.FramePending,
		"ack_received":     ind.AckReceived,
	}).Info("session: downlink received")

	if s.cb.OnMcpsIndication != nil {
		s.cb.OnMcpsIndication(ind.Rssi, ind.Snr, ind.RxDataRate)
	}

	if ind.DeviceTimeAnswer && s.cb.OnSysTimeUpdate != nil {
		s.cb.OnSysTimeUpdate(gps.NewFromTimeSinceGPSEpoch(ind.TimeSinceGPSEpoch).Time())
	}

	// the network has more data pending, uplink as soon as possible
	if ind.FramePending {
		s.onTimerEvent()
	}

	if ind.RxData {
		s.downlinkHandler().HandleDownlink(ind)
	}
}

// MlmeConfirm implements mac.Handler.
func (s *Session) MlmeConfirm(c mac.MlmeConfirm) {
	mlmeConfirmCounter(c.Request.String(), c.Status.String()).Inc()

	switch c.Request {
	case mac.MlmeJoin:
		if c.Status == mac.EventStatusOK {
			log.Info("session: joined network")
			s.SetState(StateSending)
			if s.cb.OnJoinSuccess != nil {
				s.cb.OnJoinSuccess()
			}
			break
		}

		delay := s.conf.RejoinDelay
		if s.cb.OnJoinFailed != nil {
			if d := s.cb.OnJoinFailed(); d > 0 {
				delay = d
			}
		}

		log.WithFields(log.Fields{
			"status": c.Status,
			"delay":  delay,
		}).Warning("session: join failed")
		s.Cycle(delay)
	case mac.MlmeLinkCheck:
		if c.Status == mac.EventStatusOK {
			log.WithFields(log.Fields{
				"demod_margin": c.DemodMargin,
				"nb_gateways":  c.NbGateways,
			}).Info("session: link check answer received")
		} else {
			log.WithField("status", c.Status).Warning("session: link check failed")
		}
	case mac.MlmeDeviceTime:
		log.WithField("status", c.Status).Debug("session: device time confirmed")
	default:
		log.WithFields(log.Fields{
			"request": c.Request,
			"status":  c.Status,
		}).Debug("session: mlme confirm ignored")
	}

	s.nextTx = true
}

// MlmeIndication implements mac.Handler.
func (s *Session) MlmeIndication(ind mac.MlmeIndication) {
	switch ind.Indication {
	case mac.MlmeScheduleUplink:
		log.Debug("session: uplink requested by the network")
		s.onTimerEvent()
	default:
		log.WithField("indication", ind.Indication).Debug("session: mlme indication ignored")
	}
}
