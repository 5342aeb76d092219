package flight

import (
	"encoding/binary"
	"fmt"
	"math"
)

// XPlaneDecoder decodes X-Plane's "DATA@" UDP dataref-output format: a
// 5-byte header ("DATA@": the literal bytes 'D','A','T','A', 0x40)
// followed by any number of 36-byte records — a little-endian int32
// dataref group index followed by eight little-endian float32 values.
// This is the well-known public wire format X-Plane's UDP output uses;
// a real deployment may swap in a Decoder for a different simulator.
type XPlaneDecoder struct{}

const (
	xplaneHeaderLen = 5
	xplaneRecordLen = 4 + 8*4
)

var xplaneHeader = [xplaneHeaderLen]byte{'D', 'A', 'T', 'A', 0x40}

func (XPlaneDecoder) Decode(packet []byte) (map[int]float64, error) {
	if len(packet) < xplaneHeaderLen {
		return nil, fmt.Errorf("xplane: packet too short: %d bytes", len(packet))
	}
	for i, b := range xplaneHeader {
		if packet[i] != b {
			return nil, fmt.Errorf("xplane: bad header %q", packet[:xplaneHeaderLen])
		}
	}

	body := packet[xplaneHeaderLen:]
	if len(body)%xplaneRecordLen != 0 {
		return nil, fmt.Errorf("xplane: malformed body: %d bytes is not a multiple of %d", len(body), xplaneRecordLen)
	}

	values := make(map[int]float64, len(body)/xplaneRecordLen)
	for off := 0; off+xplaneRecordLen <= len(body); off += xplaneRecordLen {
		group := int(int32(binary.LittleEndian.Uint32(body[off : off+4])))
		first := math.Float32frombits(binary.LittleEndian.Uint32(body[off+4 : off+8]))
		values[group] = float64(first)
	}
	return values, nil
}

// Subscribe returns only the 5-byte "RREF@" tag. It carries no dataref
// ids and no replay frequency, so it is not a complete X-Plane RREF
// request; the real RREF packet layout is provider-specific and out of
// scope for this default (spec.md §1).
func (XPlaneDecoder) Subscribe() []byte {
	return []byte("RREF@")
}
