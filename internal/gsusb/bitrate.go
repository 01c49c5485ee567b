package gsusb

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// BitTiming is the BReqBitTiming payload.
type BitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

// Marshal encodes the 20-byte little-endian request body.
func (bt BitTiming) Marshal() [20]byte {
	var b [20]byte
	binary.LittleEndian.PutUint32(b[0:4], bt.PropSeg)
	binary.LittleEndian.PutUint32(b[4:8], bt.PhaseSeg1)
	binary.LittleEndian.PutUint32(b[8:12], bt.PhaseSeg2)
	binary.LittleEndian.PutUint32(b[12:16], bt.SJW)
	binary.LittleEndian.PutUint32(b[16:20], bt.BRP)
	return b
}

// Rate is a named bit-rate preset for the 48 MHz candleLight clock.
type Rate struct {
	Name   string
	Bps    int
	Timing BitTiming
}

// Rates are the supported presets; index DefaultRate is 500k.
var Rates = []Rate{
	{"20k", 20000, BitTiming{6, 7, 2, 1, 0x96}},
	{"33.33k", 33333, BitTiming{3, 3, 1, 1, 0xB4}},
	{"40k", 40000, BitTiming{6, 7, 2, 1, 0x4B}},
	{"50k", 50000, BitTiming{6, 7, 2, 1, 0x3C}},
	{"66.66k", 66666, BitTiming{3, 3, 1, 1, 0x5A}},
	{"80k", 80000, BitTiming{3, 3, 1, 1, 0x4B}},
	{"83.33k", 83333, BitTiming{3, 3, 1, 1, 0x48}},
	{"100k", 100000, BitTiming{6, 7, 2, 1, 0x1E}},
	{"125k", 125000, BitTiming{6, 7, 2, 1, 0x18}},
	{"200k", 200000, BitTiming{6, 7, 2, 1, 0x0F}},
	{"250k", 250000, BitTiming{6, 7, 1, 1, 0x0C}},
	{"400k", 400000, BitTiming{3, 3, 1, 1, 0x0F}},
	{"500k", 500000, BitTiming{6, 7, 2, 1, 0x06}},
	{"666k", 666666, BitTiming{3, 3, 2, 1, 0x08}},
	{"800k", 800000, BitTiming{7, 8, 4, 1, 0x03}},
	{"1m", 1000000, BitTiming{5, 6, 4, 1, 0x03}},
}

const DefaultRate = 12

// RateNames lists the preset names in table order.
func RateNames() []string {
	out := make([]string, len(Rates))
	for i, r := range Rates {
		out[i] = r.Name
	}
	return out
}

// LookupRate finds a preset by name ("500k", "1m"; case-insensitive, an "s"
// prefix and "bps" suffix are accepted).
func LookupRate(name string) (Rate, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, "bps")
	n = strings.TrimPrefix(n, "s")
	for _, r := range Rates {
		if r.Name == n {
			return r, nil
		}
	}
	return Rate{}, fmt.Errorf("unknown bitrate %q (use one of %s)", name, strings.Join(RateNames(), ", "))
}
