package softmac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/chirpstack-end-device/internal/storage"
	"github.com/brocaar/chirpstack-end-device/internal/test"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

type SoftMACTestSuite struct {
	suite.Suite

	conf    Config
	gw      *test.GatewayBackend
	store   *storage.MemoryStore
	handler *test.Handler
	engine  *Engine

	joinEUI lorawan.EUI64
	appKey  lorawan.AES128Key
	devAddr lorawan.DevAddr
	netID   lorawan.NetID
	nwkSKey lorawan.AES128Key
	appSKey lorawan.AES128Key
}

func (ts *SoftMACTestSuite) SetupTest() {
	assert := require.New(ts.T())

	c := test.GetConfig()
	ts.conf = NewConfig(c)
	ts.conf.RXWindowTimeout = 500 * time.Millisecond
	ts.conf.JoinAcceptTimeout = 500 * time.Millisecond
	ts.conf.DownlinkSNR = 5

	ts.joinEUI = c.Device.JoinEUI
	ts.appKey = c.Device.AppKey
	ts.devAddr = lorawan.DevAddr{1, 2, 3, 4}
	ts.netID = lorawan.NetID{0, 0, 1}

	ts.gw = test.NewGatewayBackend()
	ts.store = storage.NewMemoryStore()
	ts.handler = test.NewHandler()
	ts.engine = New(ts.conf, ts.gw, ts.store)

	assert.Equal(mac.StatusOK, ts.engine.Initialize(ts.handler, mac.Callbacks{
		BatteryLevel: func() uint8 { return 100 },
	}, loraband.EU868))
}

func (ts *SoftMACTestSuite) TearDownTest() {
	ts.NoError(ts.engine.Close())
	ts.NoError(ts.gw.Close())
}

func (ts *SoftMACTestSuite) nextUplink() gw.UplinkFrame {
	select {
	case uf := <-ts.gw.UplinkFrameChan:
		return uf
	case <-time.After(2 * time.Second):
		ts.T().Fatal("uplink frame expected")
	}
	return gw.UplinkFrame{}
}

func (ts *SoftMACTestSuite) nextEvent(kind string) {
	select {
	case e := <-ts.handler.Events:
		ts.Require().Equal(kind, e)
	case <-time.After(2 * time.Second):
		ts.T().Fatalf("%s expected", kind)
	}
}

func (ts *SoftMACTestSuite) noEvent() {
	select {
	case e := <-ts.handler.Events:
		ts.T().Fatalf("unexpected event %s", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func (ts *SoftMACTestSuite) joinParams(nbTrials uint8) mac.MlmeRequest {
	return mac.MlmeRequest{
		Type: mac.MlmeJoin,
		Join: &mac.JoinParams{
			DevEUI:   ts.conf.DevEUI,
			JoinEUI:  ts.joinEUI,
			AppKey:   ts.appKey,
			NbTrials: nbTrials,
		},
	}
}

func (ts *SoftMACTestSuite) decodeJoinRequest(uf gw.UplinkFrame) lorawan.JoinRequestPayload {
	assert := ts.Require()

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(uf.PhyPayload))
	assert.Equal(lorawan.JoinRequest, phy.MHDR.MType)

	ok, err := phy.ValidateUplinkJoinMIC(ts.appKey)
	assert.NoError(err)
	assert.True(ok)

	jrPL, ok := phy.MACPayload.(*lorawan.JoinRequestPayload)
	assert.True(ok)
	return *jrPL
}

func (ts *SoftMACTestSuite) joinAccept(devNonce lorawan.DevNonce, key lorawan.AES128Key, withCFList bool) gw.DownlinkFrame {
	assert := ts.Require()

	jaPL := lorawan.JoinAcceptPayload{
		JoinNonce: 1,
		HomeNetID: ts.netID,
		DevAddr:   ts.devAddr,
		DLSettings: lorawan.DLSettings{
			RX2DataRate: 0,
			RX1DROffset: 0,
		},
		RXDelay: 1,
	}
	if withCFList {
		jaPL.CFList = &lorawan.CFList{
			CFListType: lorawan.CFListChannel,
			Payload: &lorawan.CFListChannelPayload{
				Channels: [5]uint32{867100000, 867300000},
			},
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinAccept,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &jaPL,
	}

	assert.NoError(phy.SetDownlinkJoinMIC(lorawan.JoinRequestType, ts.joinEUI, devNonce, key))
	assert.NoError(phy.EncryptJoinAcceptPayload(key))

	b, err := phy.MarshalBinary()
	assert.NoError(err)

	return gw.DownlinkFrame{
		DownlinkId: []byte{1, 2, 3, 4},
		Items: []*gw.DownlinkFrameItem{
			{PhyPayload: b},
		},
	}
}

// join performs a successful join and returns the used DevNonce.
func (ts *SoftMACTestSuite) join() lorawan.DevNonce {
	assert := ts.Require()

	assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(ts.joinParams(1)))
	jr := ts.decodeJoinRequest(ts.nextUplink())
	ts.gw.DownlinkFrameChan() <- ts.joinAccept(jr.DevNonce, ts.appKey, true)
	ts.nextEvent("mlme_confirm")
	assert.Equal(mac.EventStatusOK, ts.handler.LastMlmeConfirm().Status)

	var err error
	ts.nwkSKey, err = getNwkSKey(ts.appKey, ts.netID, 1, jr.DevNonce)
	assert.NoError(err)
	ts.appSKey, err = getAppSKey(ts.appKey, ts.netID, 1, jr.DevNonce)
	assert.NoError(err)

	return jr.DevNonce
}

func (ts *SoftMACTestSuite) decodeDataUp(uf gw.UplinkFrame) (lorawan.PHYPayload, *lorawan.MACPayload) {
	assert := ts.Require()

	var phy lorawan.PHYPayload
	assert.NoError(phy.UnmarshalBinary(uf.PhyPayload))

	ok, err := phy.ValidateUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, ts.nwkSKey, ts.nwkSKey)
	assert.NoError(err)
	assert.True(ok)

	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	assert.True(ok)

	if macPL.FPort != nil {
		assert.NoError(phy.DecryptFRMPayload(ts.appSKey))
	}
	assert.NoError(phy.DecodeFOptsToMACCommands())

	return phy, macPL
}

type dataDown struct {
	mType    lorawan.MType
	fCnt     uint32
	ack      bool
	fPending bool
	fPort    *uint8
	payload  []byte
	fOpts    []lorawan.Payload
}

func (ts *SoftMACTestSuite) dataDown(d dataDown) gw.DownlinkFrame {
	assert := ts.Require()

	if d.mType == 0 {
		d.mType = lorawan.UnconfirmedDataDown
	}

	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: ts.devAddr,
			FCtrl: lorawan.FCtrl{
				ACK:      d.ack,
				FPending: d.fPending,
			},
			FCnt:  d.fCnt,
			FOpts: d.fOpts,
		},
		FPort: d.fPort,
	}
	if d.fPort != nil {
		macPL.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: d.payload}}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: d.mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &macPL,
	}

	if d.fPort != nil {
		assert.NoError(phy.EncryptFRMPayload(ts.appSKey))
	}
	assert.NoError(phy.SetDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, ts.nwkSKey))

	b, err := phy.MarshalBinary()
	assert.NoError(err)

	return gw.DownlinkFrame{
		DownlinkId: []byte{4, 3, 2, 1},
		Items: []*gw.DownlinkFrameItem{
			{PhyPayload: b},
		},
	}
}

func (ts *SoftMACTestSuite) TestInitialize() {
	ts.T().Run("Unknown region", func(t *testing.T) {
		assert := require.New(t)
		e := New(ts.conf, test.NewGatewayBackend(), storage.NewMemoryStore())
		assert.Equal(mac.StatusRegionNotSupported, e.Initialize(test.NewHandler(), mac.Callbacks{}, loraband.Name("XX123")))
	})

	ts.T().Run("Nil handler", func(t *testing.T) {
		assert := require.New(t)
		e := New(ts.conf, test.NewGatewayBackend(), storage.NewMemoryStore())
		assert.Equal(mac.StatusParameterInvalid, e.Initialize(nil, mac.Callbacks{}, loraband.EU868))
	})

	ts.T().Run("Not initialized", func(t *testing.T) {
		assert := require.New(t)
		e := New(ts.conf, test.NewGatewayBackend(), storage.NewMemoryStore())
		assert.Equal(mac.StatusServiceUnknown, e.McpsRequest(mac.McpsRequest{}))
		assert.Equal(mac.StatusServiceUnknown, e.MlmeRequest(ts.joinParams(1)))
	})

	ts.T().Run("Default channels", func(t *testing.T) {
		assert := require.New(t)

		mib := mac.MIB{Type: mac.MIBChannelsDefaultMask}
		assert.Equal(mac.StatusOK, ts.engine.GetMIB(&mib))
		assert.Equal(mac.ChannelsMask{0x0007}, mib.ChannelsMask)
	})
}

func (ts *SoftMACTestSuite) TestNotJoined() {
	assert := require.New(ts.T())

	assert.Equal(mac.StatusNoNetworkJoined, ts.engine.McpsRequest(mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		FPort:    2,
		Payload:  []byte{1},
		DataRate: 5,
	}))
	assert.Equal(mac.StatusNoNetworkJoined, ts.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeLinkCheck}))
	assert.Equal(mac.StatusParameterInvalid, ts.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeJoin}))
	assert.Equal(mac.StatusServiceUnknown, ts.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeTxCw}))
}

func (ts *SoftMACTestSuite) TestJoin() {
	assert := require.New(ts.T())

	devNonce := ts.join()
	assert.EqualValues(1, devNonce)

	for _, mt := range []mac.MIBType{mac.MIBNetworkJoined, mac.MIBDevAddr, mac.MIBNetID, mac.MIBNwkSKey, mac.MIBAppSKey, mac.MIBChannelsMask} {
		mib := mac.MIB{Type: mt}
		assert.Equal(mac.StatusOK, ts.engine.GetMIB(&mib))

		switch mt {
		case mac.MIBNetworkJoined:
			assert.True(mib.NetworkJoined)
		case mac.MIBDevAddr:
			assert.Equal(ts.devAddr, mib.DevAddr)
		case mac.MIBNetID:
			assert.Equal(ts.netID, mib.NetID)
		case mac.MIBNwkSKey:
			assert.Equal(ts.nwkSKey, mib.NwkSKey)
		case mac.MIBAppSKey:
			assert.Equal(ts.appSKey, mib.AppSKey)
		case mac.MIBChannelsMask:
			// band channels plus two cflist channels
			assert.Equal(mac.ChannelsMask{0x001f}, mib.ChannelsMask)
		}
	}

	dc, err := ts.store.GetDeviceContext(context.Background(), ts.conf.DevEUI)
	assert.NoError(err)
	assert.True(dc.NetworkJoined)
	assert.Equal(ts.devAddr, dc.DevAddr)
	assert.EqualValues(1, dc.DevNonce)
	assert.EqualValues(1, dc.RXDelay)
	assert.Equal([]uint32{867100000, 867300000}, dc.ExtraChannels)

	// a successive join uses a new DevNonce
	assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(ts.joinParams(1)))
	jr := ts.decodeJoinRequest(ts.nextUplink())
	assert.EqualValues(2, jr.DevNonce)
	ts.nextEvent("mlme_confirm")
}

func (ts *SoftMACTestSuite) TestJoinFailed() {
	ts.T().Run("No join-accept", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(ts.joinParams(2)))
		first := ts.decodeJoinRequest(ts.nextUplink())
		second := ts.decodeJoinRequest(ts.nextUplink())
		assert.NotEqual(first.DevNonce, second.DevNonce)

		ts.nextEvent("mlme_confirm")
		c := ts.handler.LastMlmeConfirm()
		assert.Equal(mac.MlmeJoin, c.Request)
		assert.Equal(mac.EventStatusJoinFail, c.Status)
		assert.EqualValues(2, c.NbRetries)

		mib := mac.MIB{Type: mac.MIBNetworkJoined}
		ts.engine.GetMIB(&mib)
		assert.False(mib.NetworkJoined)
	})

	ts.T().Run("Invalid MIC", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(ts.joinParams(1)))
		jr := ts.decodeJoinRequest(ts.nextUplink())
		ts.gw.DownlinkFrameChan() <- ts.joinAccept(jr.DevNonce, lorawan.AES128Key{8, 7, 6, 5}, false)

		ts.nextEvent("mlme_confirm")
		assert.Equal(mac.EventStatusMICFail, ts.handler.LastMlmeConfirm().Status)
	})
}

func (ts *SoftMACTestSuite) TestBusy() {
	assert := require.New(ts.T())

	assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(ts.joinParams(1)))
	assert.Equal(mac.StatusBusy, ts.engine.MlmeRequest(ts.joinParams(1)))

	ts.nextUplink()
	ts.nextEvent("mlme_confirm")

	assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(ts.joinParams(1)))
	ts.nextUplink()
	ts.nextEvent("mlme_confirm")
}

func (ts *SoftMACTestSuite) TestUnconfirmedUplink() {
	assert := require.New(ts.T())
	ts.join()

	for i := 0; i < 2; i++ {
		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsUnconfirmed,
			FPort:    2,
			Payload:  []byte{1, 2, 3, 4},
			DataRate: 5,
		}))

		uf := ts.nextUplink()
		assert.EqualValues(1, uf.GetRxInfo().GetGatewayId()[0])
		assert.Equal(ts.conf.UplinkRSSI, uf.GetRxInfo().GetRssi())
		assert.EqualValues(7, uf.GetTxInfo().GetLoraModulationInfo().GetSpreadingFactor())
		assert.EqualValues(125, uf.GetTxInfo().GetLoraModulationInfo().GetBandwidth())

		phy, macPL := ts.decodeDataUp(uf)
		assert.Equal(lorawan.UnconfirmedDataUp, phy.MHDR.MType)
		assert.Equal(ts.devAddr, macPL.FHDR.DevAddr)
		assert.EqualValues(i, macPL.FHDR.FCnt)
		assert.EqualValues(2, *macPL.FPort)
		assert.Equal([]byte{1, 2, 3, 4}, macPL.FRMPayload[0].(*lorawan.DataPayload).Bytes)

		ts.nextEvent("mcps_confirm")
		c := ts.handler.LastMcpsConfirm()
		assert.Equal(mac.McpsUnconfirmed, c.Request)
		assert.Equal(mac.EventStatusOK, c.Status)
		assert.EqualValues(i, c.UplinkCounter)
		assert.Equal(5, c.DataRate)
		assert.True(c.TxTimeOnAir > 0)
	}

	dc, err := ts.store.GetDeviceContext(context.Background(), ts.conf.DevEUI)
	assert.NoError(err)
	assert.EqualValues(2, dc.FCntUp)
}

func (ts *SoftMACTestSuite) TestMcpsRequestValidation() {
	assert := require.New(ts.T())
	ts.join()

	assert.Equal(mac.StatusParameterInvalid, ts.engine.McpsRequest(mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		FPort:    0,
		Payload:  []byte{1},
		DataRate: 5,
	}))
	assert.Equal(mac.StatusDatarateInvalid, ts.engine.McpsRequest(mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		FPort:    2,
		DataRate: 20,
	}))
	assert.Equal(mac.StatusLengthError, ts.engine.McpsRequest(mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		FPort:    2,
		Payload:  make([]byte, 52),
		DataRate: 0,
	}))
	assert.Equal(mac.StatusServiceUnknown, ts.engine.McpsRequest(mac.McpsRequest{
		Type: mac.McpsMulticast,
	}))

	// flush frame without payload
	assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
		Type:     mac.McpsUnconfirmed,
		DataRate: 5,
	}))
	_, macPL := ts.decodeDataUp(ts.nextUplink())
	assert.Nil(macPL.FPort)
	assert.Len(macPL.FRMPayload, 0)
	ts.nextEvent("mcps_confirm")
}

func (ts *SoftMACTestSuite) TestConfirmedUplink() {
	ts.T().Run("Acknowledged", func(t *testing.T) {
		assert := require.New(t)
		ts.join()

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsConfirmed,
			FPort:    2,
			Payload:  []byte{1},
			NbTrials: 3,
			DataRate: 5,
		}))

		phy, _ := ts.decodeDataUp(ts.nextUplink())
		assert.Equal(lorawan.ConfirmedDataUp, phy.MHDR.MType)
		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{fCnt: 0, ack: true})

		ts.nextEvent("mcps_confirm")
		c := ts.handler.LastMcpsConfirm()
		assert.Equal(mac.EventStatusOK, c.Status)
		assert.True(c.AckReceived)
		assert.EqualValues(1, c.NbRetries)

		ts.nextEvent("mcps_indication")
		ind := ts.handler.LastMcpsIndication()
		assert.True(ind.AckReceived)
		assert.False(ind.RxData)
		assert.Equal(mac.RxSlot1, ind.RxSlot)

		// the join-accept and data downlink are acknowledged
		for _, id := range [][]byte{{1, 2, 3, 4}, {4, 3, 2, 1}} {
			select {
			case ack := <-ts.gw.DownlinkTXAckChan:
				assert.Equal(id, ack.DownlinkId)
				assert.Equal(gw.TxAckStatus_OK, ack.Items[0].Status)
			case <-time.After(time.Second):
				assert.Fail("downlink tx ack expected")
			}
		}
	})

	ts.T().Run("Not acknowledged", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsConfirmed,
			FPort:    2,
			Payload:  []byte{1},
			NbTrials: 2,
			DataRate: 5,
		}))

		_, first := ts.decodeDataUp(ts.nextUplink())
		_, second := ts.decodeDataUp(ts.nextUplink())
		assert.Equal(first.FHDR.FCnt, second.FHDR.FCnt)

		ts.nextEvent("mcps_confirm")
		c := ts.handler.LastMcpsConfirm()
		assert.Equal(mac.EventStatusRx2Timeout, c.Status)
		assert.False(c.AckReceived)
		assert.EqualValues(2, c.NbRetries)
	})
}

func (ts *SoftMACTestSuite) TestDownlink() {
	ts.T().Run("Application payload", func(t *testing.T) {
		assert := require.New(t)
		ts.join()

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsUnconfirmed,
			FPort:    2,
			Payload:  []byte{1},
			DataRate: 5,
		}))
		ts.nextUplink()

		fPort := uint8(10)
		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{fCnt: 0, fPort: &fPort, payload: []byte{5, 6, 7}, fPending: true})

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		ind := ts.handler.LastMcpsIndication()
		assert.Equal(mac.EventStatusOK, ind.Status)
		assert.True(ind.RxData)
		assert.True(ind.FramePending)
		assert.EqualValues(10, ind.Port)
		assert.Equal([]byte{5, 6, 7}, ind.Payload)
		assert.EqualValues(0, ind.DownlinkCounter)
		assert.Equal(5, ind.RxDataRate)
		assert.Equal(ts.conf.DownlinkSNR, ind.Snr)
	})

	ts.T().Run("Repeated frame-counter", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsUnconfirmed,
			FPort:    2,
			Payload:  []byte{1},
			DataRate: 5,
		}))
		ts.nextUplink()
		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{fCnt: 0})

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		assert.Equal(mac.EventStatusDownlinkRepeated, ts.handler.LastMcpsIndication().Status)
	})

	ts.T().Run("Confirmed downlink", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsUnconfirmed,
			FPort:    2,
			Payload:  []byte{1},
			DataRate: 5,
		}))
		ts.nextUplink()
		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{mType: lorawan.ConfirmedDataDown, fCnt: 1})

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		assert.Equal(mac.McpsConfirmed, ts.handler.LastMcpsIndication().Indication)
		ts.nextEvent("mlme_indication")
		assert.Equal(mac.MlmeScheduleUplink, ts.handler.LastMlmeIndication().Indication)

		// the next uplink carries the ack
		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{
			Type:     mac.McpsUnconfirmed,
			DataRate: 5,
		}))
		_, macPL := ts.decodeDataUp(ts.nextUplink())
		assert.True(macPL.FHDR.FCtrl.ACK)
		ts.nextEvent("mcps_confirm")
	})
}

func (ts *SoftMACTestSuite) TestMACCommands() {
	ts.T().Run("DevStatusReq", func(t *testing.T) {
		assert := require.New(t)
		ts.join()

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))
		ts.nextUplink()
		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{
			fCnt: 0,
			fOpts: []lorawan.Payload{
				&lorawan.MACCommand{CID: lorawan.DevStatusReq},
			},
		})

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		ts.nextEvent("mlme_indication")

		info, status := ts.engine.QueryTxPossible(0)
		assert.Equal(mac.StatusOK, status)
		assert.Equal(info.MaxPossibleApplicationDataSize-3, info.CurrentPossiblePayloadSize)

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))
		_, macPL := ts.decodeDataUp(ts.nextUplink())
		assert.Len(macPL.FHDR.FOpts, 1)
		cmd := macPL.FHDR.FOpts[0].(*lorawan.MACCommand)
		assert.Equal(lorawan.DevStatusAns, cmd.CID)
		assert.Equal(&lorawan.DevStatusAnsPayload{Battery: 100, Margin: 5}, cmd.Payload)
		ts.nextEvent("mcps_confirm")

		// answers are only sent once
		info, _ = ts.engine.QueryTxPossible(0)
		assert.Equal(info.MaxPossibleApplicationDataSize, info.CurrentPossiblePayloadSize)
	})

	ts.T().Run("LinkCheckReq", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeLinkCheck}))
		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))

		_, macPL := ts.decodeDataUp(ts.nextUplink())
		assert.Len(macPL.FHDR.FOpts, 1)
		assert.Equal(lorawan.LinkCheckReq, macPL.FHDR.FOpts[0].(*lorawan.MACCommand).CID)

		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{
			fCnt: 1,
			fOpts: []lorawan.Payload{
				&lorawan.MACCommand{CID: lorawan.LinkCheckAns, Payload: &lorawan.LinkCheckAnsPayload{Margin: 10, GwCnt: 2}},
			},
		})

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		ts.nextEvent("mlme_confirm")
		c := ts.handler.LastMlmeConfirm()
		assert.Equal(mac.MlmeLinkCheck, c.Request)
		assert.Equal(mac.EventStatusOK, c.Status)
		assert.EqualValues(10, c.DemodMargin)
		assert.EqualValues(2, c.NbGateways)
	})

	ts.T().Run("DeviceTimeReq", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeDeviceTime}))
		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))
		ts.nextUplink()

		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{
			fCnt: 2,
			fOpts: []lorawan.Payload{
				&lorawan.MACCommand{CID: lorawan.DeviceTimeAns, Payload: &lorawan.DeviceTimeAnsPayload{TimeSinceGPSEpoch: time.Hour}},
			},
		})

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		ind := ts.handler.LastMcpsIndication()
		assert.True(ind.DeviceTimeAnswer)
		assert.Equal(time.Hour, ind.TimeSinceGPSEpoch)
		ts.nextEvent("mlme_confirm")
		assert.Equal(mac.MlmeDeviceTime, ts.handler.LastMlmeConfirm().Request)
	})

	ts.T().Run("LinkCheckReq not answered", func(t *testing.T) {
		assert := require.New(t)

		assert.Equal(mac.StatusOK, ts.engine.MlmeRequest(mac.MlmeRequest{Type: mac.MlmeLinkCheck}))
		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))
		ts.nextUplink()

		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mlme_confirm")
		c := ts.handler.LastMlmeConfirm()
		assert.Equal(mac.MlmeLinkCheck, c.Request)
		assert.Equal(mac.EventStatusRx2Timeout, c.Status)
	})

	ts.T().Run("LinkADRReq", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBADR, ADR: true}))

		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))
		ts.nextUplink()
		ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{
			fCnt: 3,
			fOpts: []lorawan.Payload{
				&lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: &lorawan.LinkADRReqPayload{
					DataRate: 3,
					TXPower:  1,
					ChMask:   lorawan.ChMask{true, true, true},
				}},
			},
		})
		ts.nextEvent("mcps_confirm")
		ts.nextEvent("mcps_indication")
		ts.nextEvent("mlme_indication")

		mib := mac.MIB{Type: mac.MIBChannelsDataRate}
		ts.engine.GetMIB(&mib)
		assert.Equal(3, mib.DataRate)

		mib = mac.MIB{Type: mac.MIBChannelsMask}
		ts.engine.GetMIB(&mib)
		assert.Equal(mac.ChannelsMask{0x0007}, mib.ChannelsMask)

		// with ADR enabled, the engine data-rate is used
		assert.Equal(mac.StatusOK, ts.engine.McpsRequest(mac.McpsRequest{Type: mac.McpsUnconfirmed, DataRate: 5}))
		uf := ts.nextUplink()
		assert.EqualValues(9, uf.GetTxInfo().GetLoraModulationInfo().GetSpreadingFactor())
		_, macPL := ts.decodeDataUp(uf)
		assert.True(macPL.FHDR.FCtrl.ADR)
		assert.Equal(&lorawan.LinkADRAnsPayload{ChannelMaskACK: true, DataRateACK: true, PowerACK: true}, macPL.FHDR.FOpts[0].(*lorawan.MACCommand).Payload)
		ts.nextEvent("mcps_confirm")
	})
}

func (ts *SoftMACTestSuite) TestClassC() {
	assert := require.New(ts.T())
	ts.join()

	// class-a devices do not listen outside of the receive windows
	ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{fCnt: 0})
	ts.noEvent()

	assert.Equal(mac.StatusParameterInvalid, ts.engine.SetMIB(mac.MIB{Type: mac.MIBDeviceClass, Class: mac.ClassB}))
	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBDeviceClass, Class: mac.ClassC}))

	fPort := uint8(3)
	ts.gw.DownlinkFrameChan() <- ts.dataDown(dataDown{fCnt: 0, fPort: &fPort, payload: []byte{1}})
	ts.nextEvent("mcps_indication")
	ind := ts.handler.LastMcpsIndication()
	assert.Equal(mac.RxSlotClassC, ind.RxSlot)
	assert.Equal([]byte{1}, ind.Payload)
}

func (ts *SoftMACTestSuite) TestQueryTxPossible() {
	assert := require.New(ts.T())

	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBChannelsDataRate, DataRate: 5}))
	info, status := ts.engine.QueryTxPossible(242)
	assert.Equal(mac.StatusOK, status)
	assert.Equal(242, info.MaxPossibleApplicationDataSize)

	_, status = ts.engine.QueryTxPossible(243)
	assert.Equal(mac.StatusLengthError, status)

	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBChannelsDataRate, DataRate: 0}))
	_, status = ts.engine.QueryTxPossible(52)
	assert.Equal(mac.StatusLengthError, status)

	assert.Equal(mac.StatusDatarateInvalid, ts.engine.SetMIB(mac.MIB{Type: mac.MIBChannelsDataRate, DataRate: 20}))
}

func (ts *SoftMACTestSuite) TestMIB() {
	assert := require.New(ts.T())

	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBADR, ADR: true}))
	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBPublicNetwork, PublicNetwork: true}))
	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBDevAddr, DevAddr: ts.devAddr}))
	assert.Equal(mac.StatusOK, ts.engine.SetMIB(mac.MIB{Type: mac.MIBNetworkJoined, NetworkJoined: true}))
	assert.Equal(mac.StatusParameterInvalid, ts.engine.SetMIB(mac.MIB{Type: mac.MIBType(100)}))

	mib := mac.MIB{Type: mac.MIBADR}
	assert.Equal(mac.StatusOK, ts.engine.GetMIB(&mib))
	assert.True(mib.ADR)

	mib = mac.MIB{Type: mac.MIBPublicNetwork}
	assert.Equal(mac.StatusOK, ts.engine.GetMIB(&mib))
	assert.True(mib.PublicNetwork)

	mib = mac.MIB{Type: mac.MIBType(100)}
	assert.Equal(mac.StatusParameterInvalid, ts.engine.GetMIB(&mib))

	// joining by personalization persists the context
	dc, err := ts.store.GetDeviceContext(context.Background(), ts.conf.DevEUI)
	assert.NoError(err)
	assert.True(dc.NetworkJoined)
	assert.Equal(ts.devAddr, dc.DevAddr)
}

func (ts *SoftMACTestSuite) TestChannelAdd() {
	tests := []struct {
		Name   string
		Index  int
		Params mac.ChannelParams
		Status mac.Status
	}{
		{"Extra channel", 3, mac.ChannelParams{Frequency: 867100000, MinDR: 0, MaxDR: 5}, mac.StatusOK},
		{"Band channel unchanged", 0, mac.ChannelParams{Frequency: 868100000, MinDR: 0, MaxDR: 5}, mac.StatusOK},
		{"Band channel modified", 0, mac.ChannelParams{Frequency: 867100000, MinDR: 0, MaxDR: 5}, mac.StatusFrequencyInvalid},
		{"Invalid data-rate range", 4, mac.ChannelParams{Frequency: 867300000, MinDR: 5, MaxDR: 0}, mac.StatusDatarateInvalid},
		{"Invalid frequency and data-rate", 4, mac.ChannelParams{MinDR: 5, MaxDR: 0}, mac.StatusFreqAndDRInvalid},
		{"Index out of range", 96, mac.ChannelParams{Frequency: 867300000, MinDR: 0, MaxDR: 5}, mac.StatusParameterInvalid},
	}

	for _, tst := range tests {
		ts.T().Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			assert.Equal(tst.Status, ts.engine.ChannelAdd(tst.Index, tst.Params))
		})
	}

	ts.T().Run("Fixed channel plan", func(t *testing.T) {
		assert := require.New(t)

		backend := test.NewGatewayBackend()
		defer backend.Close()

		e := New(ts.conf, backend, storage.NewMemoryStore())
		assert.Equal(mac.StatusOK, e.Initialize(test.NewHandler(), mac.Callbacks{}, loraband.US915))
		defer e.Close()

		assert.Equal(mac.StatusParameterInvalid, e.ChannelAdd(3, mac.ChannelParams{Frequency: 902300000, MaxDR: 3}))
	})
}

func (ts *SoftMACTestSuite) TestRestoreDeviceContext() {
	assert := require.New(ts.T())
	ts.join()

	backend := test.NewGatewayBackend()
	defer backend.Close()

	e := New(ts.conf, backend, ts.store)
	assert.Equal(mac.StatusOK, e.Initialize(test.NewHandler(), mac.Callbacks{}, loraband.EU868))
	defer e.Close()

	mib := mac.MIB{Type: mac.MIBNetworkJoined}
	assert.Equal(mac.StatusOK, e.GetMIB(&mib))
	assert.True(mib.NetworkJoined)

	mib = mac.MIB{Type: mac.MIBChannelsMask}
	assert.Equal(mac.StatusOK, e.GetMIB(&mib))
	assert.Equal(mac.ChannelsMask{0x001f}, mib.ChannelsMask)
}

func TestSoftMAC(t *testing.T) {
	suite.Run(t, new(SoftMACTestSuite))
}

func TestGetFullFCnt(t *testing.T) {
	tests := []struct {
		Name   string
		Next   uint32
		FCnt   uint32
		Full   uint32
		Status mac.EventStatus
	}{
		{"First frame", 0, 0, 0, mac.EventStatusOK},
		{"Next frame", 5, 5, 5, mac.EventStatusOK},
		{"Gap", 5, 10, 10, mac.EventStatusOK},
		{"Rollover", 65535, 0, 65536, mac.EventStatusOK},
		{"Rollover with 32 bit counter", 131071, 1, 131073, mac.EventStatusOK},
		{"Repeated", 6, 5, 5, mac.EventStatusDownlinkRepeated},
		{"Too many frames lost", 0, 20000, 0, mac.EventStatusDownlinkTooManyFramesLoss},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)
			full, status := getFullFCnt(tst.Next, tst.FCnt)
			assert.Equal(tst.Status, status)
			if status != mac.EventStatusDownlinkTooManyFramesLoss {
				assert.Equal(tst.Full, full)
			}
		})
	}
}

func TestTimeOnAir(t *testing.T) {
	assert := require.New(t)

	toa := timeOnAir(loraband.DataRate{Modulation: loraband.LoRaModulation, SpreadFactor: 7, Bandwidth: 125}, 13)
	assert.Equal(46336*time.Microsecond, toa.Round(time.Microsecond))

	toa = timeOnAir(loraband.DataRate{Modulation: loraband.FSKModulation, BitRate: 50000}, 13)
	assert.Equal(3840*time.Microsecond, toa.Round(time.Microsecond))

	assert.Equal(time.Duration(0), timeOnAir(loraband.DataRate{}, 13))
}

func TestSessionKeys(t *testing.T) {
	assert := require.New(t)

	appKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	nwkSKey, err := getNwkSKey(appKey, lorawan.NetID{1, 2, 3}, 1, 2)
	assert.NoError(err)
	appSKey, err := getAppSKey(appKey, lorawan.NetID{1, 2, 3}, 1, 2)
	assert.NoError(err)
	assert.NotEqual(nwkSKey, appSKey)

	again, err := getNwkSKey(appKey, lorawan.NetID{1, 2, 3}, 1, 2)
	assert.NoError(err)
	assert.Equal(nwkSKey, again)

	other, err := getNwkSKey(appKey, lorawan.NetID{1, 2, 3}, 1, 3)
	assert.NoError(err)
	assert.NotEqual(nwkSKey, other)
}
