package serial

import (
	"bytes"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/metrics"
)

// Envelope framing on the UART:
//
//	2D D4 | len | payload | checksum
//
// len counts payload plus the checksum byte; checksum = 0x2D + len + sum(payload)
// (mod 256). Every payload is one gs_usb host frame.
const (
	pre0       = 0x2D
	pre1       = 0xD4
	envLen     = gsusb.HostFrameSize + 1
	envelopeSz = 3 + envLen
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps payload: [0x2D, 0xD4, len+1, payload..., checksum].
func envelope(payload []byte) []byte {
	n := len(payload)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range payload {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode wraps one host frame in the UART envelope.
func (Codec) Encode(host []byte) []byte { return envelope(host) }

// DecodeStream consumes complete envelopes from in and emits their payloads.
// Misaligned bytes, bad lengths and bad checksums are skipped one byte at a
// time until the stream resynchronises. Incomplete data stays in in.
func (Codec) DecodeStream(in *bytes.Buffer, out func([]byte)) error {
	header := []byte{pre0, pre1}
	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case the next read starts with the second preamble byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		if int(data[2]) != envLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		if len(data) < envelopeSz {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : envelopeSz-1] {
			sum += uint(b)
		}
		if byte(sum) != data[envelopeSz-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		payload := make([]byte, gsusb.HostFrameSize)
		copy(payload, data[3:envelopeSz-1])
		out(payload)
		in.Next(envelopeSz)
	}
}
