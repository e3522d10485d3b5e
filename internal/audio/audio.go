// Package audio holds the small sample-format helpers shared by the
// transports: little-endian PCM16 packing and RMS energy estimates for voice
// activity on PCM16 and G.711 µ-law audio.
package audio

import (
	"encoding/binary"
	"math"
)

// Format describes raw audio exchanged with STT and TTS providers.
type Format struct {
	Encoding   string // "linear16" or "mulaw"
	SampleRate int
}

var (
	// PCM48k is what the Opus writer consumes for WebRTC playback.
	PCM48k = Format{Encoding: "linear16", SampleRate: 48000}
	// PCM16k is the microphone format for WebRTC and raw WebSocket calls.
	PCM16k = Format{Encoding: "linear16", SampleRate: 16000}
	// Mulaw8k is the Twilio Media Streams format.
	Mulaw8k = Format{Encoding: "mulaw", SampleRate: 8000}
)

// PCM16ToSamples decodes little-endian PCM16 bytes. A trailing odd byte is ignored.
func PCM16ToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// AppendPCM16 appends samples to dst as little-endian PCM16.
func AppendPCM16(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// RMS16 estimates the energy of little-endian PCM16 audio. Large buffers are
// sampled sparsely.
func RMS16(pcm []byte) float64 {
	step := 2
	if len(pcm) > 3200 {
		step = 8
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += step {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += v * v
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// RMSMulaw estimates the energy of µ-law audio in the linear domain.
func RMSMulaw(ulaw []byte) float64 {
	if len(ulaw) == 0 {
		return 0
	}
	var sum float64
	for _, u := range ulaw {
		v := float64(mulawTable[u])
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(ulaw)))
}

const mulawBias = 0x84

// mulawTable maps each µ-law byte to its linear sample.
var mulawTable = func() (t [256]int16) {
	for i := range t {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		t[i] = int16(sample)
	}
	return t
}()
