package audio

import "math"

// RMS computes the root-mean-square energy of little-endian int16 PCM data,
// normalised to [0, 1]. An empty or truncated buffer yields 0.
//
// The capture streamer compares this against a fixed threshold to drive the
// user-speaking indicator. The cutoff is deliberately applied per frame with
// no hysteresis or smoothing: downstream consumers rely on the instant flips.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
