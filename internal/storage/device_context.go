package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/logging"
	"github.com/brocaar/lorawan"
)

const deviceContextKeyTempl = "lora:ed:ctx:%s"

// DeviceContext holds the MAC state of a device which must survive a
// restart.
type DeviceContext struct {
	DevEUI        lorawan.EUI64
	NetworkJoined bool
	DevAddr       lorawan.DevAddr
	NetID         lorawan.NetID
	NwkSKey       lorawan.AES128Key
	AppSKey       lorawan.AES128Key

	// DevNonce holds the last used DevNonce.
	DevNonce  lorawan.DevNonce
	FCntUp    uint32
	NFCntDown uint32

	DataRate    int
	TXPower     int
	RX1DROffset uint8
	RX2DataRate int
	RXDelay     uint8

	// ExtraChannels holds the channels added through the join-accept CFList.
	ExtraChannels []uint32
}

// DeviceContextStore defines the device-context persistence.
type DeviceContextStore interface {
	GetDeviceContext(ctx context.Context, devEUI lorawan.EUI64) (DeviceContext, error)
	SaveDeviceContext(ctx context.Context, dc DeviceContext) error
	DeleteDeviceContext(ctx context.Context, devEUI lorawan.EUI64) error
}

// RedisStore implements the DeviceContextStore using Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(c redis.UniversalClient) *RedisStore {
	return &RedisStore{client: c}
}

// GetDeviceContext returns the device-context for the given DevEUI.
func (s *RedisStore) GetDeviceContext(ctx context.Context, devEUI lorawan.EUI64) (DeviceContext, error) {
	var dc DeviceContext

	val, err := s.client.Get(ctx, GetRedisKey(deviceContextKeyTempl, devEUI)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return dc, ErrDoesNotExist
		}
		return dc, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&dc); err != nil {
		return dc, errors.Wrap(err, "gob decode error")
	}

	return dc, nil
}

// SaveDeviceContext saves the given device-context.
func (s *RedisStore) SaveDeviceContext(ctx context.Context, dc DeviceContext) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dc); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	if err := s.client.Set(ctx, GetRedisKey(deviceContextKeyTempl, dc.DevEUI), buf.Bytes(), 0).Err(); err != nil {
		return errors.Wrap(err, "set error")
	}

	log.WithFields(log.Fields{
		"dev_eui":  dc.DevEUI,
		"dev_addr": dc.DevAddr,
		"f_cnt_up": dc.FCntUp,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Debug("storage: device-context saved")

	return nil
}

// DeleteDeviceContext deletes the device-context for the given DevEUI.
func (s *RedisStore) DeleteDeviceContext(ctx context.Context, devEUI lorawan.EUI64) error {
	n, err := s.client.Del(ctx, GetRedisKey(deviceContextKeyTempl, devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if n == 0 {
		return ErrDoesNotExist
	}
	return nil
}

// MemoryStore implements the DeviceContextStore in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[lorawan.EUI64]DeviceContext
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[lorawan.EUI64]DeviceContext),
	}
}

// GetDeviceContext returns the device-context for the given DevEUI.
func (s *MemoryStore) GetDeviceContext(ctx context.Context, devEUI lorawan.EUI64) (DeviceContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dc, ok := s.contexts[devEUI]
	if !ok {
		return dc, ErrDoesNotExist
	}
	dc.ExtraChannels = append([]uint32(nil), dc.ExtraChannels...)
	return dc, nil
}

// SaveDeviceContext saves the given device-context.
func (s *MemoryStore) SaveDeviceContext(ctx context.Context, dc DeviceContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dc.ExtraChannels = append([]uint32(nil), dc.ExtraChannels...)
	s.contexts[dc.DevEUI] = dc
	return nil
}

// DeleteDeviceContext deletes the device-context for the given DevEUI.
func (s *MemoryStore) DeleteDeviceContext(ctx context.Context, devEUI lorawan.EUI64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[devEUI]; !ok {
		return ErrDoesNotExist
	}
	delete(s.contexts, devEUI)
	return nil
}
