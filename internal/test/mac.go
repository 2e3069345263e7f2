package test

import (
	"sync"

	"github.com/brocaar/chirpstack-end-device/internal/mac"
	loraband "github.com/brocaar/lorawan/band"
)

// MACEngine is a mac.Engine for testing. It records all requests and returns
// the configured statuses.
type MACEngine struct {
	mu sync.Mutex

	Handler   mac.Handler
	Callbacks mac.Callbacks
	Region    loraband.Name

	InitializeStatus      mac.Status
	McpsRequestStatus     mac.Status
	MlmeRequestStatus     mac.Status
	QueryTxPossibleStatus mac.Status
	GetMIBStatus          mac.Status
	SetMIBStatus          mac.Status
	ChannelAddStatus      mac.Status

	TxInfo        mac.TxInfo
	NetworkJoined bool

	McpsRequests    []mac.McpsRequest
	MlmeRequests    []mac.MlmeRequest
	SetMIBs         []mac.MIB
	ChannelAdds     map[int]mac.ChannelParams
	ChannelAddCount int
	QueryTxSizes    []int
	GetMIBCount     int
}

// NewMACEngine returns a new MACEngine.
func NewMACEngine() *MACEngine {
	return &MACEngine{
		ChannelAdds: make(map[int]mac.ChannelParams),
		TxInfo: mac.TxInfo{
			MaxPossibleApplicationDataSize: 222,
			CurrentPossiblePayloadSize:     222,
		},
	}
}

// Initialize method.
func (e *MACEngine) Initialize(h mac.Handler, cb mac.Callbacks, region loraband.Name) mac.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Handler = h
	e.Callbacks = cb
	e.Region = region
	return e.InitializeStatus
}

// McpsRequest method.
func (e *MACEngine) McpsRequest(req mac.McpsRequest) mac.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.McpsRequests = append(e.McpsRequests, req)
	return e.McpsRequestStatus
}

// MlmeRequest method.
func (e *MACEngine) MlmeRequest(req mac.MlmeRequest) mac.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MlmeRequests = append(e.MlmeRequests, req)
	return e.MlmeRequestStatus
}

// QueryTxPossible method.
func (e *MACEngine) QueryTxPossible(size int) (mac.TxInfo, mac.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.QueryTxSizes = append(e.QueryTxSizes, size)
	return e.TxInfo, e.QueryTxPossibleStatus
}

// GetMIB method.
func (e *MACEngine) GetMIB(mib *mac.MIB) mac.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GetMIBCount++
	if e.GetMIBStatus != mac.StatusOK {
		return e.GetMIBStatus
	}
	if mib.Type == mac.MIBNetworkJoined {
		mib.NetworkJoined = e.NetworkJoined
	}
	return mac.StatusOK
}

// SetMIB method.
func (e *MACEngine) SetMIB(mib mac.MIB) mac.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SetMIBs = append(e.SetMIBs, mib)
	if e.SetMIBStatus != mac.StatusOK {
		return e.SetMIBStatus
	}
	if mib.Type == mac.MIBNetworkJoined {
		e.NetworkJoined = mib.NetworkJoined
	}
	return mac.StatusOK
}

// ChannelAdd method.
func (e *MACEngine) ChannelAdd(index int, params mac.ChannelParams) mac.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ChannelAddCount++
	if e.ChannelAddStatus == mac.StatusOK {
		e.ChannelAdds[index] = params
	}
	return e.ChannelAddStatus
}

// SetMIBsOfType returns the set MIB attributes of the given type.
func (e *MACEngine) SetMIBsOfType(t mac.MIBType) []mac.MIB {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []mac.MIB
	for _, m := range e.SetMIBs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears the recorded requests.
func (e *MACEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.McpsRequests = nil
	e.MlmeRequests = nil
	e.SetMIBs = nil
	e.ChannelAdds = make(map[int]mac.ChannelParams)
	e.ChannelAddCount = 0
	e.QueryTxSizes = nil
	e.GetMIBCount = 0
}
