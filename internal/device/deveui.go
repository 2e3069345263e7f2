package device

import (
	"net"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

// DevEUIFromChipID derives a DevEUI from the given 48 bit chip id. The first
// six bytes hold the chip id, least significant byte first.
func DevEUIFromChipID(id uint64) lorawan.EUI64 {
	var eui lorawan.EUI64
	for i := 0; i < 6; i++ {
		eui[i] = byte(id & 0xff)
		id >>= 8
	}
	eui[6] = eui[1] & eui[2]
	eui[7] = eui[3] & eui[4]
	return eui
}

// ChipID returns the chip id of the host, derived from the hardware address
// of the first non-loopback interface.
func ChipID() (uint64, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, errors.Wrap(err, "get network interfaces error")
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) < 6 {
			continue
		}
		return chipIDFromHardwareAddr(iface.HardwareAddr), nil
	}

	return 0, errors.New("no hardware address found")
}

// chipIDFromHardwareAddr returns the chip id with the first byte of the
// hardware address as least significant byte.
func chipIDFromHardwareAddr(hw net.HardwareAddr) uint64 {
	var id uint64
	for i := 5; i >= 0; i-- {
		id = id<<8 | uint64(hw[i])
	}
	return id
}
