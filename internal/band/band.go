package band

import (
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-end-device/internal/config"
	"github.com/brocaar/chirpstack-end-device/internal/mac"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Channel defines a channel of a regional channel plan.
type Channel struct {
	Index     int
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// Plan defines the channels a device (re-)adds before each uplink.
type Plan struct {
	Channels    []Channel
	DefaultMask mac.ChannelsMask
}

// plans holds the built-in channel plans by region. Regions without a
// built-in plan only use the band default channels plus the configured
// extra channels.
var plans = map[loraband.Name]Plan{
	loraband.EU868: {
		Channels: []Channel{
			{Index: 3, Frequency: 867100000, MinDR: 0, MaxDR: 5},
			{Index: 4, Frequency: 867300000, MinDR: 0, MaxDR: 5},
			{Index: 5, Frequency: 867500000, MinDR: 0, MaxDR: 5},
			{Index: 6, Frequency: 867700000, MinDR: 0, MaxDR: 5},
			{Index: 7, Frequency: 867900000, MinDR: 0, MaxDR: 5},
		},
		DefaultMask: mac.ChannelsMask{0x00ff},
	},
}

// regionNames holds the human-readable region names reported on init.
var regionNames = map[loraband.Name]string{
	loraband.AS923:   "AS923",
	loraband.AU915:   "AU915",
	loraband.CN470:   "CN470",
	loraband.CN779:   "CN779",
	loraband.EU433:   "EU433",
	loraband.EU868:   "EU868",
	loraband.KR920:   "KR920",
	loraband.IN865:   "IN865",
	loraband.US915:   "US915",
	loraband.RU864:   "RU864",
	loraband.ISM2400: "ISM2400",
}

var (
	band   loraband.Band
	name   loraband.Name
	plan   Plan
	userCh mac.ChannelsMask
)

// Setup sets up the band with the given configuration.
func Setup(c config.Config) error {
	dwellTime := lorawan.DwellTimeNoLimit
	if c.LoRaWAN.Band.UplinkDwellTime400ms {
		dwellTime = lorawan.DwellTime400ms
	}
	bandConfig, err := loraband.GetConfig(c.LoRaWAN.Band.Name, c.LoRaWAN.Band.RepeaterCompatible, dwellTime)
	if err != nil {
		return errors.Wrap(err, "get band config error")
	}

	p := plans[c.LoRaWAN.Band.Name]
	channels := make([]Channel, 0, len(p.Channels)+len(c.LoRaWAN.ExtraChannels))
	channels = append(channels, p.Channels...)
	for _, ec := range c.LoRaWAN.ExtraChannels {
		if ec.MinDR > ec.MaxDR {
			return errors.Errorf("extra channel %d: min_dr > max_dr", ec.Index)
		}
		channels = append(channels, Channel{
			Index:     ec.Index,
			Frequency: ec.Frequency,
			MinDR:     ec.MinDR,
			MaxDR:     ec.MaxDR,
		})
	}
	p.Channels = channels

	if p.DefaultMask == (mac.ChannelsMask{}) {
		for _, i := range bandConfig.GetUplinkChannelIndices() {
			if i < len(p.DefaultMask)*16 {
				p.DefaultMask[i/16] |= 1 << uint(i%16)
			}
		}
	}

	userCh = p.DefaultMask
	if len(c.LoRaWAN.ChannelsMask) != 0 {
		userCh = mac.ChannelsMask{}
		for i, v := range c.LoRaWAN.ChannelsMask {
			if i >= len(userCh) {
				return errors.New("channels_mask holds more than 6 entries")
			}
			userCh[i] = v
		}
	}

	band = bandConfig
	name = c.LoRaWAN.Band.Name
	plan = p

	return nil
}

// Band returns the configured band.
func Band() loraband.Band {
	return band
}

// Name returns the configured band name.
func Name() loraband.Name {
	return name
}

// ChannelPlan returns the channel plan of the configured region.
func ChannelPlan() Plan {
	return plan
}

// UserChannelsMask returns the channels mask applied before each uplink.
func UserChannelsMask() mac.ChannelsMask {
	return userCh
}

// RegionName returns the human-readable name of the given region.
func RegionName(n loraband.Name) string {
	if s, ok := regionNames[n]; ok {
		return s
	}
	return string(n)
}
