package softmac

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-end-device/internal/mac"
	loraband "github.com/brocaar/lorawan/band"
)

const maxChannels = len(mac.ChannelsMask{}) * 16

// fixedPlans holds the regions with a fixed uplink channel plan. Channels
// can only be enabled or disabled in these regions.
var fixedPlans = map[loraband.Name]bool{
	loraband.US915: true,
	loraband.AU915: true,
	loraband.CN470: true,
}

type channel struct {
	frequency uint32
	minDR     int
	maxDR     int
	defined   bool
	band      bool
	cfList    bool
}

type channels struct {
	list        [maxChannels]channel
	fixed       bool
	nbDefault   int
	mask        mac.ChannelsMask
	defaultMask mac.ChannelsMask
}

func newChannels(b loraband.Band, region loraband.Name) (channels, error) {
	c := channels{
		fixed: fixedPlans[region],
	}

	for _, i := range b.GetUplinkChannelIndices() {
		if i >= maxChannels {
			continue
		}
		ch, err := b.GetUplinkChannel(i)
		if err != nil {
			return c, errors.Wrap(err, "get uplink channel error")
		}

		c.list[i] = channel{
			frequency: ch.Frequency,
			minDR:     ch.MinDR,
			maxDR:     ch.MaxDR,
			defined:   true,
			band:      true,
		}
		c.defaultMask[i/16] |= 1 << uint(i%16)
		c.nbDefault++
	}
	c.mask = c.defaultMask

	return c, nil
}

func (c *channels) add(index int, p mac.ChannelParams) mac.Status {
	if c.fixed || index < 0 || index >= maxChannels {
		return mac.StatusParameterInvalid
	}

	freqInvalid := p.Frequency == 0
	drInvalid := p.MinDR < 0 || p.MaxDR > 15 || p.MinDR > p.MaxDR

	if ch := c.list[index]; ch.band && ch.frequency != p.Frequency {
		freqInvalid = true
	}

	switch {
	case freqInvalid && drInvalid:
		return mac.StatusFreqAndDRInvalid
	case freqInvalid:
		return mac.StatusFrequencyInvalid
	case drInvalid:
		return mac.StatusDatarateInvalid
	}

	c.list[index] = channel{
		frequency: p.Frequency,
		minDR:     p.MinDR,
		maxDR:     p.MaxDR,
		defined:   true,
		band:      c.list[index].band,
	}
	return mac.StatusOK
}

// addCFListChannel adds the i-th channel of a join-accept CFList.
func (c *channels) addCFListChannel(i int, freq uint32) {
	index := c.nbDefault + i
	if c.fixed || index >= maxChannels || freq == 0 {
		return
	}

	c.list[index] = channel{
		frequency: freq,
		minDR:     0,
		maxDR:     5,
		defined:   true,
		cfList:    true,
	}
	c.mask[index/16] |= 1 << uint(index%16)
}

func (c *channels) cfListFrequencies() []uint32 {
	var out []uint32
	for i := c.nbDefault; i < maxChannels; i++ {
		if !c.list[i].cfList {
			break
		}
		out = append(out, c.list[i].frequency)
	}
	return out
}

// enableAll enables all defined channels.
func (c *channels) enableAll() {
	c.mask = mac.ChannelsMask{}
	for i, ch := range c.list {
		if ch.defined {
			c.mask[i/16] |= 1 << uint(i%16)
		}
	}
}

// pick returns a random enabled channel supporting the given data-rate.
// Join-requests are sent on the band default channels only.
func (c *channels) pick(dr int, join bool) (int, bool) {
	var candidates []int
	for i, ch := range c.list {
		if !ch.defined || !c.mask.Enabled(i) || dr < ch.minDR || dr > ch.maxDR {
			continue
		}
		if join && !ch.band {
			continue
		}
		candidates = append(candidates, i)
	}

	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

func (c *channels) frequency(i int) uint32 {
	if i < 0 || i >= maxChannels {
		return 0
	}
	return c.list[i].frequency
}
