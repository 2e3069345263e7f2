package softmac

import (
	"time"

	"github.com/brocaar/lorawan/airtime"
	loraband "github.com/brocaar/lorawan/band"
)

const (
	preambleSymbols = 8
	fskPreambleSize = 5
)

// timeOnAir returns the time-on-air of an uplink with the given PHYPayload
// size. LoRa uplinks use an explicit header, CRC and coding-rate 4/5.
// It returns 0 for an unknown data-rate.
func timeOnAir(dr loraband.DataRate, size int) time.Duration {
	if dr.Modulation == loraband.FSKModulation {
		if dr.BitRate == 0 {
			return 0
		}
		// preamble, sync-word (3), length (1), payload, crc (2)
		bits := (fskPreambleSize + 3 + 1 + size + 2) * 8
		return time.Duration(bits) * time.Second / time.Duration(dr.BitRate)
	}

	if dr.Bandwidth == 0 || dr.SpreadFactor == 0 {
		return 0
	}

	lowDataRateOptimization := dr.SpreadFactor >= 11 && dr.Bandwidth == 125
	d, err := airtime.CalculateLoRaAirtime(size, dr.SpreadFactor, dr.Bandwidth, preambleSymbols, airtime.CodingRate45, true, lowDataRateOptimization)
	if err != nil {
		return 0
	}
	return d
}
