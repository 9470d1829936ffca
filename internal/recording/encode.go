package recording

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
)

// Encoder turns a PCM16 timeline into a storable byte stream.
type Encoder interface {
	Name() string
	MIME() string
	Encode(pcm []int16, rate int) ([]byte, error)
}

// DefaultEncoders returns the codec preference chain: Opus first for size,
// WAV when Opus is unavailable, raw PCM as the unconditional fallback.
func DefaultEncoders() []Encoder {
	return []Encoder{OpusEncoder{}, WAVEncoder{}, RawEncoder{}}
}

// ── Opus ───────────────────────────────────────────────────────────────────────

// opusFrameSize is the number of samples per 20 ms mono frame at the
// recording rate.
const opusFrameSize = SampleRate * 20 / 1000

const maxOpusPacket = 4000

// OpusEncoder emits a stream of length-prefixed Opus packets: each packet is
// preceded by its byte length as a little-endian uint16. The stream has no
// container; the fixed rate, mono layout and 20 ms frame size are part of
// the format.
type OpusEncoder struct{}

func (OpusEncoder) Name() string { return "opus" }
func (OpusEncoder) MIME() string { return "audio/opus" }

func (OpusEncoder) Encode(pcm []int16, rate int) ([]byte, error) {
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("recording: create opus encoder: %w", err)
	}

	var buf bytes.Buffer
	frame := make([]int16, opusFrameSize)
	for off := 0; off < len(pcm); off += opusFrameSize {
		n := copy(frame, pcm[off:])
		for i := n; i < opusFrameSize; i++ {
			frame[i] = 0
		}
		packet, err := enc.Encode(frame, opusFrameSize, maxOpusPacket)
		if err != nil {
			return nil, fmt.Errorf("recording: opus encode: %w", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(packet))); err != nil {
			return nil, err
		}
		buf.Write(packet)
	}
	return buf.Bytes(), nil
}

// ── WAV ────────────────────────────────────────────────────────────────────────

// WAVEncoder wraps the timeline in a standard RIFF/WAVE container with one
// mono PCM16 data chunk.
type WAVEncoder struct{}

func (WAVEncoder) Name() string { return "wav" }
func (WAVEncoder) MIME() string { return "audio/wav" }

func (WAVEncoder) Encode(pcm []int16, rate int) ([]byte, error) {
	data := audio.Int16sToBytes(pcm)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))     // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes(), nil
}

// ── Raw ────────────────────────────────────────────────────────────────────────

// RawEncoder emits the bare little-endian PCM16 timeline. It cannot fail.
type RawEncoder struct{}

func (RawEncoder) Name() string { return "raw" }
func (RawEncoder) MIME() string { return fmt.Sprintf("audio/L16;rate=%d", SampleRate) }

func (RawEncoder) Encode(pcm []int16, rate int) ([]byte, error) {
	return audio.Int16sToBytes(pcm), nil
}
