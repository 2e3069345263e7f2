// Package framelog publishes the uplink and downlink frames of a device to
// Redis pub-sub so that they can be inspected while the device is running.
// Frames are not logged when no Redis client is configured.
package framelog

import (
	"context"
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-api/go/v3/ns"
	"github.com/brocaar/chirpstack-end-device/internal/storage"
	"github.com/brocaar/lorawan"
)

const (
	deviceFrameLogUplinkPubSubKeyTempl   = "lora:ed:device:%s:pubsub:frame:uplink"
	deviceFrameLogDownlinkPubSubKeyTempl = "lora:ed:device:%s:pubsub:frame:downlink"
)

// FrameLog contains either an uplink or downlink frame.
type FrameLog struct {
	UplinkFrame   *ns.UplinkFrameLog
	DownlinkFrame *ns.DownlinkFrameLog
}

// LogUplinkFrame publishes the given uplink frame to the device pub-sub key.
func LogUplinkFrame(ctx context.Context, devEUI lorawan.EUI64, uf gw.UplinkFrame, mType lorawan.MType) error {
	c := storage.RedisClient()
	if c == nil {
		return nil
	}

	fl := ns.UplinkFrameLog{
		PhyPayload: uf.PhyPayload,
		TxInfo:     uf.TxInfo,
		MType:      protoMType(mType),
	}
	if uf.RxInfo != nil {
		fl.RxInfo = []*gw.UplinkRXInfo{uf.RxInfo}
	}

	b, err := proto.Marshal(&fl)
	if err != nil {
		return errors.Wrap(err, "marshal uplink frame-log error")
	}

	key := storage.GetRedisKey(deviceFrameLogUplinkPubSubKeyTempl, devEUI)
	if err := c.Publish(ctx, key, b).Err(); err != nil {
		return errors.Wrap(err, "publish uplink frame-log error")
	}

	return nil
}

// LogDownlinkFrame publishes the given downlink frame item to the device
// pub-sub key.
func LogDownlinkFrame(ctx context.Context, devEUI, gatewayID lorawan.EUI64, item *gw.DownlinkFrameItem) error {
	c := storage.RedisClient()
	if c == nil {
		return nil
	}

	b, err := proto.Marshal(&ns.DownlinkFrameLog{
		PhyPayload: item.GetPhyPayload(),
		TxInfo:     item.GetTxInfo(),
		GatewayId:  gatewayID[:],
	})
	if err != nil {
		return errors.Wrap(err, "marshal downlink frame-log error")
	}

	key := storage.GetRedisKey(deviceFrameLogDownlinkPubSubKeyTempl, devEUI)
	if err := c.Publish(ctx, key, b).Err(); err != nil {
		return errors.Wrap(err, "publish downlink frame-log error")
	}

	return nil
}

// GetFrameLogForDevice subscribes to the uplink and downlink frame-logs of
// the given device and sends them to the given channel. It blocks until the
// context is cancelled.
func GetFrameLogForDevice(ctx context.Context, devEUI lorawan.EUI64, frameLogChan chan FrameLog) error {
	c := storage.RedisClient()
	if c == nil {
		return errors.New("redis client is not configured")
	}

	uplinkKey := storage.GetRedisKey(deviceFrameLogUplinkPubSubKeyTempl, devEUI)
	downlinkKey := storage.GetRedisKey(deviceFrameLogDownlinkPubSubKeyTempl, devEUI)

	sub := c.Subscribe(ctx, uplinkKey, downlinkKey)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe error")
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			fl, err := redisMessageToFrameLog(msg.Channel, []byte(msg.Payload), uplinkKey, downlinkKey)
			if err != nil {
				log.WithError(err).Error("framelog: decode frame-log error")
				continue
			}
			frameLogChan <- fl
		}
	}
}

func redisMessageToFrameLog(channel string, payload []byte, uplinkKey, downlinkKey string) (FrameLog, error) {
	var fl FrameLog

	switch channel {
	case uplinkKey:
		fl.UplinkFrame = &ns.UplinkFrameLog{}
		if err := proto.Unmarshal(payload, fl.UplinkFrame); err != nil {
			return fl, errors.Wrap(err, "unmarshal uplink frame-log error")
		}
	case downlinkKey:
		fl.DownlinkFrame = &ns.DownlinkFrameLog{}
		if err := proto.Unmarshal(payload, fl.DownlinkFrame); err != nil {
			return fl, errors.Wrap(err, "unmarshal downlink frame-log error")
		}
	default:
		return fl, fmt.Errorf("unexpected channel: %s", channel)
	}

	return fl, nil
}

func protoMType(mType lorawan.MType) common.MType {
	switch mType {
	case lorawan.JoinRequest:
		return common.MType_JoinRequest
	case lorawan.ConfirmedDataUp:
		return common.MType_ConfirmedDataUp
	case lorawan.Proprietary:
		return common.MType_Proprietary
	}
	return common.MType_UnconfirmedDataUp
}
