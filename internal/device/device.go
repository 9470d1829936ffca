// Package device abstracts the host audio hardware behind small Microphone
// and Speaker interfaces so the capture and playback layers can be tested
// without a sound card.
package device

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Microphone is a started-on-demand mono PCM16 capture device. ReadFrame
// blocks until one full frame of samples is available.
type Microphone interface {
	Start() error
	ReadFrame() ([]byte, error)
	Stop() error
	SampleRate() int
}

// Speaker is a mono PCM16 output device. WriteFrame blocks until the host
// buffer has accepted the samples.
type Speaker interface {
	Start() error
	WriteFrame(pcm []byte) error
	Stop() error
	SampleRate() int
}

// Init initialises the host audio subsystem. Must be called once before any
// device is opened, and balanced with Terminate.
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("device: initialize: %w", err)
	}
	return nil
}

// Terminate releases the host audio subsystem.
func Terminate() {
	_ = portaudio.Terminate()
}
