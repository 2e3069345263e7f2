package framelog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-api/go/v3/ns"
	"github.com/brocaar/chirpstack-end-device/internal/storage"
	"github.com/brocaar/chirpstack-end-device/internal/test"
	"github.com/brocaar/lorawan"
)

func TestWithoutRedis(t *testing.T) {
	assert := require.New(t)
	assert.NoError(storage.Setup(test.GetConfig()))

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	assert.NoError(LogUplinkFrame(context.Background(), devEUI, gw.UplinkFrame{}, lorawan.JoinRequest))
	assert.NoError(LogDownlinkFrame(context.Background(), devEUI, lorawan.EUI64{}, &gw.DownlinkFrameItem{}))
	assert.Error(GetFrameLogForDevice(context.Background(), devEUI, make(chan FrameLog)))
}

func TestRedisMessageToFrameLog(t *testing.T) {
	assert := require.New(t)

	b, err := proto.Marshal(&ns.UplinkFrameLog{PhyPayload: []byte{1, 2, 3}, MType: common.MType_ConfirmedDataUp})
	assert.NoError(err)

	fl, err := redisMessageToFrameLog("up", b, "up", "down")
	assert.NoError(err)
	assert.Nil(fl.DownlinkFrame)
	assert.Equal([]byte{1, 2, 3}, fl.UplinkFrame.PhyPayload)
	assert.Equal(common.MType_ConfirmedDataUp, fl.UplinkFrame.MType)

	fl, err = redisMessageToFrameLog("down", b, "up", "down")
	assert.NoError(err)
	assert.Nil(fl.UplinkFrame)
	assert.NotNil(fl.DownlinkFrame)

	_, err = redisMessageToFrameLog("other", b, "up", "down")
	assert.Error(err)
}

func TestFrameLog(t *testing.T) {
	if os.Getenv("TEST_REDIS_SERVERS") == "" {
		t.Skip("TEST_REDIS_SERVERS is not set")
	}

	assert := require.New(t)
	conf := test.GetConfig()
	conf.Storage.Type = "redis"
	assert.NoError(storage.Setup(conf))

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logChan := make(chan FrameLog, 1)
	go GetFrameLogForDevice(ctx, devEUI, logChan)
	time.Sleep(100 * time.Millisecond)

	t.Run("Uplink", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(LogUplinkFrame(context.Background(), devEUI, gw.UplinkFrame{
			PhyPayload: []byte{1, 2, 3},
			TxInfo:     &gw.UplinkTXInfo{Frequency: 868100000},
			RxInfo:     &gw.UplinkRXInfo{GatewayId: []byte{1, 1, 1, 1, 1, 1, 1, 1}},
		}, lorawan.JoinRequest))

		fl := <-logChan
		assert.NotNil(fl.UplinkFrame)
		assert.Equal(common.MType_JoinRequest, fl.UplinkFrame.MType)
		assert.EqualValues(868100000, fl.UplinkFrame.TxInfo.Frequency)
		assert.Len(fl.UplinkFrame.RxInfo, 1)
	})

	t.Run("Downlink", func(t *testing.T) {
		assert := require.New(t)
		assert.NoError(LogDownlinkFrame(context.Background(), devEUI, lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}, &gw.DownlinkFrameItem{
			PhyPayload: []byte{4, 5, 6},
			TxInfo:     &gw.DownlinkTXInfo{Frequency: 869525000},
		}))

		fl := <-logChan
		assert.NotNil(fl.DownlinkFrame)
		assert.Equal([]byte{4, 5, 6}, fl.DownlinkFrame.PhyPayload)
		assert.Equal([]byte{1, 1, 1, 1, 1, 1, 1, 1}, fl.DownlinkFrame.GatewayId)
	})
}
