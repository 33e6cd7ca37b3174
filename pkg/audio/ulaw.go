package audio

// G.711 μ-law codec. Telephony transports deliver 8 kHz μ-law; every internal
// stage (VAD, STT) works on 16-bit linear PCM, so frames are decoded at the
// transport boundary and encoded again on the way out.

const (
	ulawBias = 0x84
	ulawClip = 32635

	// UlawSilence is the μ-law byte representing digital silence.
	UlawSilence = 0xFF
)

// ulawToPCM is the 256-entry μ-law expansion table, built once at package init.
var ulawToPCM [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := ((int32(mantissa) << 3) + ulawBias) << exponent
		magnitude -= ulawBias
		if u&0x80 != 0 {
			ulawToPCM[i] = int16(-magnitude)
		} else {
			ulawToPCM[i] = int16(magnitude)
		}
	}
}

// DecodeUlaw expands μ-law bytes to little-endian 16-bit PCM. The output is
// exactly twice the length of the input.
func DecodeUlaw(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ulawToPCM[u]
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeUlaw compresses little-endian 16-bit PCM to μ-law. A trailing odd
// byte, if any, is ignored.
func EncodeUlaw(pcm []byte) []byte {
	n := len(pcm) / 2
	ulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		ulaw[i] = encodeUlawSample(s)
	}
	return ulaw
}

// encodeUlawSample compresses one linear sample per G.711.
func encodeUlawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
