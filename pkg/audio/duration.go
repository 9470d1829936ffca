// Package audio provides sample-level PCM helpers shared by the capture,
// playback, and recording subsystems.
//
// All audio in this codebase is little-endian signed 16-bit mono PCM. Capture
// frames carry the capture device's native sample rate; synthesised output
// arrives at the rate negotiated with the realtime provider (24 kHz for
// Gemini Live). Code that encodes or mixes PCM must use the rate the data
// carries, never an assumed constant.
package audio

import "time"

// PCMDuration returns the play time of raw mono PCM16 data at rate Hz.
func PCMDuration(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(rate)
}
