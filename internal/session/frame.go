package session

import (
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/mac"
)

var frameTasks = []func(*frameContext) error{
	updateChannels,
	checkTxPossible,
	setFrameType,
	submitFrame,
}

type frameContext struct {
	session *Session

	txInfo   mac.TxInfo
	request  mac.McpsRequest
	flush    bool
	accepted bool
}

// sendFrame builds and submits exactly one uplink request. It returns true
// when the request has been accepted by the MAC engine.
func (s *Session) sendFrame() bool {
	ctx := frameContext{
		session: s,
	}

	for _, t := range frameTasks {
		if err := t(&ctx); err != nil {
			log.WithError(err).Error("session: send frame error")
			return false
		}
	}

	return ctx.accepted
}

// updateChannels (re-)adds the regional channel plan and applies the user
// channels mask.
func (s *Session) updateChannels() {
	for _, c := range s.conf.Channels {
		st := s.engine.ChannelAdd(c.Index, mac.ChannelParams{
			Frequency: c.Frequency,
			MinDR:     c.MinDR,
			MaxDR:     c.MaxDR,
		})
		if st != mac.StatusOK {
			log.WithError(st.Err()).WithFields(log.Fields{
				"index":     c.Index,
				"frequency": c.Frequency,
			}).Warning("session: add channel error")
		}
	}

	s.setMIB(mac.MIB{Type: mac.MIBChannelsDefaultMask, ChannelsMask: s.conf.ChannelsMask})
	s.setMIB(mac.MIB{Type: mac.MIBChannelsMask, ChannelsMask: s.conf.ChannelsMask})
}

func updateChannels(ctx *frameContext) error {
	ctx.session.updateChannels()
	return nil
}

// checkTxPossible replaces the uplink by an empty unconfirmed frame when the
// payload does not fit. This flushes the pending MAC commands.
func checkTxPossible(ctx *frameContext) error {
	s := ctx.session

	txInfo, st := s.engine.QueryTxPossible(len(s.appData))
	ctx.txInfo = txInfo
	if st == mac.StatusOK {
		return nil
	}

	log.WithError(st.Err()).WithFields(log.Fields{
		"size":     len(s.appData),
		"max_size": txInfo.MaxPossibleApplicationDataSize,
	}).Warning("session: payload does not fit, sending empty frame")

	ctx.flush = true
	ctx.request = mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		DataRate: s.conf.DataRate,
	}
	uplinkCounter("flush").Inc()

	return nil
}

func setFrameType(ctx *frameContext) error {
	s := ctx.session

	if ctx.flush {
		return nil
	}

	payload := make([]byte, len(s.appData))
	copy(payload, s.appData)

	if s.conf.Confirmed {
		ctx.request = mac.McpsRequest{
			Type:     mac.McpsConfirmed,
			FPort:    s.appPort,
			Payload:  payload,
			NbTrials: s.conf.ConfirmedNbTrials,
			DataRate: s.conf.DataRate,
		}
		uplinkCounter("confirmed").Inc()

		if s.cb.OnConfirmedUplinkSending != nil {
			s.cb.OnConfirmedUplinkSending()
		}
		return nil
	}

	ctx.request = mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		FPort:    s.appPort,
		Payload:  payload,
		DataRate: s.conf.DataRate,
	}
	uplinkCounter("unconfirmed").Inc()

	if s.cb.OnUnconfirmedUplinkSending != nil {
		s.cb.OnUnconfirmedUplinkSending()
	}
	return nil
}

func submitFrame(ctx *frameContext) error {
	st := ctx.session.engine.McpsRequest(ctx.request)
	uplinkRequestCounter(st.String()).Inc()

	logFields := log.Fields{
		"type":   ctx.request.Type,
		"f_port": ctx.request.FPort,
		"size":   len(ctx.request.Payload),
		"dr":     ctx.request.DataRate,
	}

	if st != mac.StatusOK {
		log.WithError(st.Err()).WithFields(logFields).Warning("session: uplink request rejected")
		return nil
	}

	log.WithFields(logFields).Info("session: uplink request accepted")
	ctx.accepted = true
	return nil
}
