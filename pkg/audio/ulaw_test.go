package audio

import "testing"

func TestUlawRoundTripPreservesShape(t *testing.T) {
	t.Parallel()

	// A μ-law byte decoded and re-encoded must map back to itself: the
	// expansion table is the exact inverse of the compressor on its range.
	// 0x7F is the exception: it is the "negative zero" codeword, and the
	// encoder canonicalizes zero to 0xFF.
	for i := 0; i < 256; i++ {
		if i == 0x7F {
			continue
		}
		pcm := DecodeUlaw([]byte{byte(i)})
		back := EncodeUlaw(pcm)
		if back[0] != byte(i) {
			t.Fatalf("round trip of byte %#02x produced %#02x", i, back[0])
		}
	}
	if got := EncodeUlaw(DecodeUlaw([]byte{0x7F}))[0]; got != UlawSilence {
		t.Fatalf("negative zero re-encoded to %#02x, want %#02x", got, UlawSilence)
	}
}

func TestUlawSilenceDecodesToZero(t *testing.T) {
	t.Parallel()

	pcm := DecodeUlaw([]byte{UlawSilence})
	if pcm[0] != 0 || pcm[1] != 0 {
		t.Fatalf("silence decoded to [%d %d], want [0 0]", pcm[0], pcm[1])
	}
}

func TestDecodeUlawLength(t *testing.T) {
	t.Parallel()

	in := make([]byte, 160) // one 20ms frame at 8kHz
	if got := len(DecodeUlaw(in)); got != 320 {
		t.Fatalf("decoded length = %d, want 320", got)
	}
	if got := len(EncodeUlaw(make([]byte, 320))); got != 160 {
		t.Fatalf("encoded length = %d, want 160", got)
	}
}

func TestEncodeUlawClipsExtremes(t *testing.T) {
	t.Parallel()

	// Full-scale positive and negative samples must encode without panic and
	// decode back to large magnitudes of the correct sign.
	pcm := []byte{0xFF, 0x7F, 0x00, 0x80} // +32767, -32768
	out := DecodeUlaw(EncodeUlaw(pcm))

	pos := int16(uint16(out[0]) | uint16(out[1])<<8)
	neg := int16(uint16(out[2]) | uint16(out[3])<<8)
	if pos < 30000 {
		t.Fatalf("positive extreme decoded to %d", pos)
	}
	if neg > -30000 {
		t.Fatalf("negative extreme decoded to %d", neg)
	}
}

func TestToneAndSilenceSizes(t *testing.T) {
	t.Parallel()

	if got := len(Silence(20, 8000)); got != 320 {
		t.Fatalf("Silence(20ms, 8kHz) = %d bytes, want 320", got)
	}
	tone := Tone(200, 8000, 440)
	if len(tone) != 3200 {
		t.Fatalf("Tone(200ms, 8kHz) = %d bytes, want 3200", len(tone))
	}

	// The tone must actually contain signal.
	allZero := true
	for _, b := range tone {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("tone is silent")
	}
}
