package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-end-device/internal/test"
	"github.com/brocaar/lorawan"
)

type DeviceContextTestSuite struct {
	suite.Suite

	store DeviceContextStore
}

func (ts *DeviceContextTestSuite) TestDeviceContext() {
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	ts.T().Run("Does not exist", func(t *testing.T) {
		assert := require.New(t)

		_, err := ts.store.GetDeviceContext(ctx, devEUI)
		assert.Equal(ErrDoesNotExist, err)
		assert.Equal(ErrDoesNotExist, ts.store.DeleteDeviceContext(ctx, devEUI))
	})

	ts.T().Run("Save", func(t *testing.T) {
		assert := require.New(t)

		dc := DeviceContext{
			DevEUI:        devEUI,
			NetworkJoined: true,
			DevAddr:       lorawan.DevAddr{1, 2, 3, 4},
			NetID:         lorawan.NetID{1, 2, 3},
			NwkSKey:       lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8},
			AppSKey:       lorawan.AES128Key{8, 7, 6, 5, 4, 3, 2, 1, 8, 7, 6, 5, 4, 3, 2, 1},
			DevNonce:      10,
			FCntUp:        11,
			NFCntDown:     12,
			DataRate:      5,
			RX2DataRate:   0,
			RXDelay:       1,
			ExtraChannels: []uint32{867100000, 867300000},
		}
		assert.NoError(ts.store.SaveDeviceContext(ctx, dc))

		dcGet, err := ts.store.GetDeviceContext(ctx, devEUI)
		assert.NoError(err)
		assert.Equal(dc, dcGet)

		t.Run("Update", func(t *testing.T) {
			assert := require.New(t)

			dc.FCntUp = 12
			assert.NoError(ts.store.SaveDeviceContext(ctx, dc))

			dcGet, err := ts.store.GetDeviceContext(ctx, devEUI)
			assert.NoError(err)
			assert.EqualValues(12, dcGet.FCntUp)
		})

		t.Run("Delete", func(t *testing.T) {
			assert := require.New(t)

			assert.NoError(ts.store.DeleteDeviceContext(ctx, devEUI))
			_, err := ts.store.GetDeviceContext(ctx, devEUI)
			assert.Equal(ErrDoesNotExist, err)
		})
	})
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &DeviceContextTestSuite{store: NewMemoryStore()})
}

func TestRedisStore(t *testing.T) {
	if os.Getenv("TEST_REDIS_SERVERS") == "" {
		t.Skip("TEST_REDIS_SERVERS is not set")
	}

	conf := test.GetConfig()
	conf.Storage.Type = "redis"
	require.NoError(t, Setup(conf))
	require.NoError(t, RedisClient().FlushAll(context.Background()).Err())
	require.NoError(t, Ping(context.Background()))

	suite.Run(t, &DeviceContextTestSuite{store: Store()})
}

func TestSetup(t *testing.T) {
	assert := require.New(t)
	conf := test.GetConfig()

	assert.NoError(Setup(conf))
	assert.IsType(&MemoryStore{}, Store())
	assert.Equal("test:lora:ed:ctx:0102030405060708", GetRedisKey(deviceContextKeyTempl, lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}))

	conf.Storage.Type = "sqlite"
	assert.Error(Setup(conf))
}
