// Package codec implements the stateless audio transcoding the media path needs:
// ITU-T G.711 µ-law decode at 8kHz mono. No state, no error returns —
// callers own framing, resampling, and channel layout.
package codec

// UlawToPCM decodes a buffer of µ-law samples into signed 16-bit little-endian
// linear PCM. The output is always 2*len(in) bytes.
func UlawToPCM(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := ulawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ulawBias is the ITU-T G.711 µ-law decode bias constant.
const ulawBias = 0x84

func ulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	value := (int(mantissa) << 3) + ulawBias
	value <<= uint(exponent)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}
