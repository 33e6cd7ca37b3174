package audio

import "math"

// Canned audio generators used for fallback prompts when a synthesis stage is
// unavailable: a short notification tone and plain silence. Both return raw
// 16-bit PCM at the requested sample rate.

// Silence returns durationMs of PCM silence.
func Silence(durationMs, sampleRate int) []byte {
	samples := sampleRate * durationMs / 1000
	return make([]byte, samples*2)
}

// Tone returns durationMs of a sine tone at the given frequency, at 30% of
// full scale so the prompt is audible without being jarring on a handset.
func Tone(durationMs, sampleRate, frequencyHz int) []byte {
	samples := sampleRate * durationMs / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRate)
		v := int16(32767 * 0.3 * math.Sin(2*math.Pi*float64(frequencyHz)*t))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}
