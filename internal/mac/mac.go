// Package mac defines the boundary between the device session layer and the
// LoRaWAN MAC engine. The engine owns radio timing, encryption and MAC
// command processing. The session layer only issues MCPS / MLME requests,
// reads and writes the MAC information base (MIB) and receives the
// confirm / indication events through a Handler.
package mac

import (
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Status defines the synchronous result of a MAC request.
type Status int

// Available request statuses.
const (
	StatusOK Status = iota
	StatusBusy
	StatusServiceUnknown
	StatusParameterInvalid
	StatusFrequencyInvalid
	StatusDatarateInvalid
	StatusFreqAndDRInvalid
	StatusNoNetworkJoined
	StatusLengthError
	StatusRegionNotSupported
	StatusSkippedAppData
	StatusDutyCycleRestricted
	StatusNoChannelFound
	StatusNoFreeChannelFound
)

// Errors mapped to the request statuses.
var (
	ErrBusy                = errors.New("mac is busy")
	ErrServiceUnknown      = errors.New("service unknown")
	ErrParameterInvalid    = errors.New("parameter invalid")
	ErrFrequencyInvalid    = errors.New("frequency invalid")
	ErrDatarateInvalid     = errors.New("data-rate invalid")
	ErrNoNetworkJoined     = errors.New("no network joined")
	ErrLengthError         = errors.New("payload length error")
	ErrRegionNotSupported  = errors.New("region not supported")
	ErrSkippedAppData      = errors.New("application data skipped")
	ErrDutyCycleRestricted = errors.New("duty-cycle restricted")
	ErrNoChannelFound      = errors.New("no channel found")
	ErrNoFreeChannelFound  = errors.New("no free channel found")
	ErrUnknownStatus       = errors.New("unknown status")
)

var statusErrors = map[Status]error{
	StatusBusy:                ErrBusy,
	StatusServiceUnknown:      ErrServiceUnknown,
	StatusParameterInvalid:    ErrParameterInvalid,
	StatusFrequencyInvalid:    ErrFrequencyInvalid,
	StatusDatarateInvalid:     ErrDatarateInvalid,
	StatusFreqAndDRInvalid:    ErrFrequencyInvalid,
	StatusNoNetworkJoined:     ErrNoNetworkJoined,
	StatusLengthError:         ErrLengthError,
	StatusRegionNotSupported:  ErrRegionNotSupported,
	StatusSkippedAppData:      ErrSkippedAppData,
	StatusDutyCycleRestricted: ErrDutyCycleRestricted,
	StatusNoChannelFound:      ErrNoChannelFound,
	StatusNoFreeChannelFound:  ErrNoFreeChannelFound,
}

// Err returns the error for the given status or nil on StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrors[s]; ok {
		return err
	}
	return ErrUnknownStatus
}

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return s.Err().Error()
}

// EventStatus defines the status of an asynchronous confirm or indication.
type EventStatus int

// Available event statuses.
const (
	EventStatusOK EventStatus = iota
	EventStatusError
	EventStatusTxTimeout
	EventStatusRx1Timeout
	EventStatusRx2Timeout
	EventStatusRx1Error
	EventStatusRx2Error
	EventStatusJoinFail
	EventStatusDownlinkRepeated
	EventStatusTxDrPayloadSizeError
	EventStatusDownlinkTooManyFramesLoss
	EventStatusAddressFail
	EventStatusMICFail
)

var eventStatusNames = map[EventStatus]string{
	EventStatusOK:                        "OK",
	EventStatusError:                     "ERROR",
	EventStatusTxTimeout:                 "TX_TIMEOUT",
	EventStatusRx1Timeout:                "RX1_TIMEOUT",
	EventStatusRx2Timeout:                "RX2_TIMEOUT",
	EventStatusRx1Error:                  "RX1_ERROR",
	EventStatusRx2Error:                  "RX2_ERROR",
	EventStatusJoinFail:                  "JOIN_FAIL",
	EventStatusDownlinkRepeated:          "DOWNLINK_REPEATED",
	EventStatusTxDrPayloadSizeError:      "TX_DR_PAYLOAD_SIZE_ERROR",
	EventStatusDownlinkTooManyFramesLoss: "DOWNLINK_TOO_MANY_FRAMES_LOSS",
	EventStatusAddressFail:               "ADDRESS_FAIL",
	EventStatusMICFail:                   "MIC_FAIL",
}

func (s EventStatus) String() string {
	if n, ok := eventStatusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// McpsType defines the MCPS (data) service type.
type McpsType int

// Available MCPS types.
const (
	McpsUnconfirmed McpsType = iota
	McpsConfirmed
	McpsMulticast
	McpsProprietary
)

func (t McpsType) String() string {
	switch t {
	case McpsUnconfirmed:
		return "UNCONFIRMED"
	case McpsConfirmed:
		return "CONFIRMED"
	case McpsMulticast:
		return "MULTICAST"
	case McpsProprietary:
		return "PROPRIETARY"
	}
	return "UNKNOWN"
}

// MlmeType defines the MLME (management) service type.
type MlmeType int

// Available MLME types.
const (
	MlmeJoin MlmeType = iota
	MlmeLinkCheck
	MlmeDeviceTime
	MlmeTxCw
	MlmeScheduleUplink
)

func (t MlmeType) String() string {
	switch t {
	case MlmeJoin:
		return "JOIN"
	case MlmeLinkCheck:
		return "LINK_CHECK"
	case MlmeDeviceTime:
		return "DEVICE_TIME"
	case MlmeTxCw:
		return "TX_CW"
	case MlmeScheduleUplink:
		return "SCHEDULE_UPLINK"
	}
	return "UNKNOWN"
}

// DeviceClass defines the LoRaWAN device class.
type DeviceClass int

// Available device classes.
const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

func (c DeviceClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	}
	return "UNKNOWN"
}

// UnmarshalText decodes the class from "A", "B" or "C".
func (c *DeviceClass) UnmarshalText(text []byte) error {
	switch string(text) {
	case "A", "a", "":
		*c = ClassA
	case "B", "b":
		*c = ClassB
	case "C", "c":
		*c = ClassC
	default:
		return errors.Errorf("invalid device class: %s", text)
	}
	return nil
}

// McpsRequest describes an uplink data request.
type McpsRequest struct {
	Type     McpsType
	FPort    uint8
	Payload  []byte
	NbTrials uint8
	DataRate int
}

// McpsConfirm is the asynchronous result of a McpsRequest.
type McpsConfirm struct {
	Request       McpsType
	Status        EventStatus
	DataRate      int
	TxPower       int
	AckReceived   bool
	NbRetries     uint8
	UplinkCounter uint32
	Channel       int
	TxTimeOnAir   time.Duration
}

// Receive slots reported in McpsIndication.RxSlot.
const (
	RxSlot1 = iota + 1
	RxSlot2
	RxSlotClassC
)

// McpsIndication describes a received downlink.
type McpsIndication struct {
	Indication       McpsType
	Status           EventStatus
	Multicast        bool
	Port             uint8
	RxDataRate       int
	FramePending     bool
	Payload          []byte
	RxData           bool
	Rssi             int16
	Snr              int8
	RxSlot           int
	AckReceived      bool
	DownlinkCounter  uint32
	DeviceTimeAnswer bool

	// TimeSinceGPSEpoch holds the network time when DeviceTimeAnswer is set.
	TimeSinceGPSEpoch time.Duration
}

// JoinParams holds the OTAA join parameters.
type JoinParams struct {
	DevEUI   lorawan.EUI64
	JoinEUI  lorawan.EUI64
	AppKey   lorawan.AES128Key
	NbTrials uint8
}

// MlmeRequest describes a management request.
type MlmeRequest struct {
	Type MlmeType
	Join *JoinParams
}

// MlmeConfirm is the asynchronous result of a MlmeRequest.
type MlmeConfirm struct {
	Request     MlmeType
	Status      EventStatus
	DemodMargin uint8
	NbGateways  uint8
	NbRetries   uint8
}

// MlmeIndication describes an unsolicited management event.
type MlmeIndication struct {
	Indication MlmeType
	Status     EventStatus
}

// MIBType defines the MIB attribute.
type MIBType int

// Available MIB attributes.
const (
	MIBNetworkJoined MIBType = iota
	MIBADR
	MIBPublicNetwork
	MIBDeviceClass
	MIBNetID
	MIBDevAddr
	MIBNwkSKey
	MIBAppSKey
	MIBChannelsMask
	MIBChannelsDefaultMask
	MIBChannelsDataRate
)

func (t MIBType) String() string {
	switch t {
	case MIBNetworkJoined:
		return "NETWORK_JOINED"
	case MIBADR:
		return "ADR"
	case MIBPublicNetwork:
		return "PUBLIC_NETWORK"
	case MIBDeviceClass:
		return "DEVICE_CLASS"
	case MIBNetID:
		return "NET_ID"
	case MIBDevAddr:
		return "DEV_ADDR"
	case MIBNwkSKey:
		return "NWK_S_KEY"
	case MIBAppSKey:
		return "APP_S_KEY"
	case MIBChannelsMask:
		return "CHANNELS_MASK"
	case MIBChannelsDefaultMask:
		return "CHANNELS_DEFAULT_MASK"
	case MIBChannelsDataRate:
		return "CHANNELS_DATARATE"
	}
	return "UNKNOWN"
}

// ChannelsMask holds one enable bit per channel, 16 channels per word.
type ChannelsMask [6]uint16

// Enabled returns true when the given channel index is enabled.
func (m ChannelsMask) Enabled(i int) bool {
	if i < 0 || i >= len(m)*16 {
		return false
	}
	return m[i/16]&(1<<uint(i%16)) != 0
}

// MIB is a single MAC information base attribute. Only the field matching
// Type is used.
type MIB struct {
	Type MIBType

	NetworkJoined bool
	ADR           bool
	PublicNetwork bool
	Class         DeviceClass
	NetID         lorawan.NetID
	DevAddr       lorawan.DevAddr
	NwkSKey       lorawan.AES128Key
	AppSKey       lorawan.AES128Key
	ChannelsMask  ChannelsMask
	DataRate      int
}

// ChannelParams describes a channel added to the channel plan.
type ChannelParams struct {
	Frequency    uint32
	RX1Frequency uint32
	MinDR        int
	MaxDR        int
	Band         int
}

// TxInfo is the result of QueryTxPossible.
type TxInfo struct {
	MaxPossibleApplicationDataSize int
	CurrentPossiblePayloadSize     int
}

// Handler receives the asynchronous MAC events.
type Handler interface {
	McpsConfirm(McpsConfirm)
	McpsIndication(McpsIndication)
	MlmeConfirm(MlmeConfirm)
	MlmeIndication(MlmeIndication)
}

// Callbacks are queried by the engine when answering network requests.
type Callbacks struct {
	BatteryLevel     func() uint8
	TemperatureLevel func() float32
}

// Engine defines the interface of a LoRaWAN MAC engine.
type Engine interface {
	// Initialize registers the event handler and callbacks and sets up the
	// regional parameters.
	Initialize(h Handler, cb Callbacks, region loraband.Name) Status

	// McpsRequest submits an uplink. The result is reported through
	// Handler.McpsConfirm when StatusOK is returned.
	McpsRequest(req McpsRequest) Status

	// MlmeRequest submits a management request. The result is reported
	// through Handler.MlmeConfirm when StatusOK is returned.
	MlmeRequest(req MlmeRequest) Status

	// QueryTxPossible returns if a payload of the given size can be sent
	// with the current data-rate.
	QueryTxPossible(size int) (TxInfo, Status)

	// GetMIB populates the given attribute, selected by its Type.
	GetMIB(mib *MIB) Status

	// SetMIB sets the given attribute.
	SetMIB(mib MIB) Status

	// ChannelAdd adds (or replaces) the channel at the given index.
	ChannelAdd(index int, params ChannelParams) Status
}
