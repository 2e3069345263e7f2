package softmac

import (
	"crypto/aes"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// getNwkSKey returns the LoRaWAN 1.0.x network session key.
func getNwkSKey(appKey lorawan.AES128Key, netID lorawan.NetID, joinNonce lorawan.JoinNonce, devNonce lorawan.DevNonce) (lorawan.AES128Key, error) {
	return getSKey(0x01, appKey, netID, joinNonce, devNonce)
}

// getAppSKey returns the LoRaWAN 1.0.x application session key.
func getAppSKey(appKey lorawan.AES128Key, netID lorawan.NetID, joinNonce lorawan.JoinNonce, devNonce lorawan.DevNonce) (lorawan.AES128Key, error) {
	return getSKey(0x02, appKey, netID, joinNonce, devNonce)
}

func getSKey(typ byte, appKey lorawan.AES128Key, netID lorawan.NetID, joinNonce lorawan.JoinNonce, devNonce lorawan.DevNonce) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	b := make([]byte, 16)
	b[0] = typ

	netIDB, err := netID.MarshalBinary()
	if err != nil {
		return key, errors.Wrap(err, "marshal binary error")
	}

	joinNonceB, err := joinNonce.MarshalBinary()
	if err != nil {
		return key, errors.Wrap(err, "marshal binary error")
	}

	devNonceB, err := devNonce.MarshalBinary()
	if err != nil {
		return key, errors.Wrap(err, "marshal binary error")
	}

	// all fields are little endian
	copy(b[1:4], joinNonceB)
	copy(b[4:7], netIDB)
	copy(b[7:9], devNonceB)

	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return key, err
	}
	if block.BlockSize() != len(b) {
		return key, errors.Errorf("block-size of %d bytes is expected", len(b))
	}
	block.Encrypt(key[:], b)

	return key, nil
}
