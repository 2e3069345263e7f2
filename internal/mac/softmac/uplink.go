package softmac

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/framelog"
	"github.com/brocaar/chirpstack-end-device/internal/logging"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

const loraCodeRate = "4/5"

// newUplinkFrame wraps the given PHYPayload into an uplink frame, as if it
// was received by the gateway on the given channel and data-rate.
func (e *Engine) newUplinkFrame(phy lorawan.PHYPayload, ch, dr int) (gw.UplinkFrame, time.Duration, error) {
	var uf gw.UplinkFrame

	b, err := phy.MarshalBinary()
	if err != nil {
		return uf, 0, errors.Wrap(err, "marshal phypayload error")
	}

	dataRate, err := e.band.GetDataRate(dr)
	if err != nil {
		return uf, 0, errors.Wrap(err, "get data-rate error")
	}

	uplinkID, err := uuid.NewV4()
	if err != nil {
		return uf, 0, errors.Wrap(err, "new uuid error")
	}

	now := time.Now()
	gwTime, err := ptypes.TimestampProto(now)
	if err != nil {
		return uf, 0, errors.Wrap(err, "timestamp proto error")
	}

	// the context holds the concentrator counter (us) of the gateway
	gwContext := make([]byte, 4)
	binary.BigEndian.PutUint32(gwContext, uint32(now.UnixNano()/int64(time.Microsecond)))

	uf = gw.UplinkFrame{
		PhyPayload: b,
		TxInfo: &gw.UplinkTXInfo{
			Frequency: e.channels.frequency(ch),
		},
		RxInfo: &gw.UplinkRXInfo{
			GatewayId: e.conf.GatewayID[:],
			Time:      gwTime,
			Rssi:      e.conf.UplinkRSSI,
			LoraSnr:   e.conf.UplinkSNR,
			Channel:   uint32(ch),
			Context:   gwContext,
			UplinkId:  uplinkID.Bytes(),
			CrcStatus: gw.CRCStatus_CRC_OK,
		},
	}

	switch dataRate.Modulation {
	case loraband.FSKModulation:
		uf.TxInfo.Modulation = common.Modulation_FSK
		uf.TxInfo.ModulationInfo = &gw.UplinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Datarate:           uint32(dataRate.BitRate),
				FrequencyDeviation: uint32(dataRate.BitRate / 2),
			},
		}
	default:
		uf.TxInfo.Modulation = common.Modulation_LORA
		uf.TxInfo.ModulationInfo = &gw.UplinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				Bandwidth:       uint32(dataRate.Bandwidth),
				SpreadingFactor: uint32(dataRate.SpreadFactor),
				CodeRate:        loraCodeRate,
			},
		}
	}

	return uf, timeOnAir(dataRate, len(b)), nil
}

func (e *Engine) sendUplinkFrame(ctx context.Context, uf gw.UplinkFrame, mType lorawan.MType) error {
	if err := e.gateway.SendUplinkFrame(uf); err != nil {
		return errors.Wrap(err, "send uplink frame error")
	}

	uplinkCounter(mType.String()).Inc()

	if err := framelog.LogUplinkFrame(ctx, e.conf.DevEUI, uf, mType); err != nil {
		log.WithError(err).Warning("softmac: log uplink frame error")
	}

	id, _ := uuid.FromBytes(uf.GetRxInfo().GetUplinkId())
	log.WithFields(log.Fields{
		"m_type":    mType,
		"frequency": uf.GetTxInfo().GetFrequency(),
		"uplink_id": id,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Info("softmac: uplink frame sent")

	return nil
}
