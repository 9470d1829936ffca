package recording_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/Moasy1/LIA-Sales-Agent/internal/recording"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
)

// rawChain finalizes without a codec so tests can inspect the timeline.
func rawChain() recording.Option {
	return recording.WithEncoders(recording.RawEncoder{})
}

type failingEncoder struct{ name string }

func (e failingEncoder) Name() string { return e.name }
func (e failingEncoder) MIME() string { return "audio/x-" + e.name }
func (e failingEncoder) Encode(pcm []int16, rate int) ([]byte, error) {
	return nil, errors.New("codec unavailable")
}

func TestMixer_MicFramesAppendInOrder(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), rawChain())
	m.AddMicFrame(audio.Int16sToBytes([]int16{1, 2}), recording.SampleRate)
	m.AddMicFrame(audio.Int16sToBytes([]int16{3, 4}), recording.SampleRate)

	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got := audio.BytesToInt16s(art.Data)
	want := []int16{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("timeline = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeline = %v; want %v", got, want)
		}
	}
}

func TestMixer_PlaybackPlacedAtScheduledOffset(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	m := recording.NewMixer(start, rawChain())

	// One second of mic audio, then a playback slice that was audible half a
	// second in. The slice must land at sample 12000, mixed over the mic.
	mic := make([]int16, recording.SampleRate)
	for i := range mic {
		mic[i] = 100
	}
	m.AddMicFrame(audio.Int16sToBytes(mic), recording.SampleRate)
	m.AddPlayback(audio.Int16sToBytes([]int16{200, 200}), recording.SampleRate, start.Add(500*time.Millisecond))

	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got := audio.BytesToInt16s(art.Data)
	off := recording.SampleRate / 2
	if got[off] != 300 || got[off+1] != 300 {
		t.Errorf("mixed samples at offset %d = %d,%d; want 300,300", off, got[off], got[off+1])
	}
	if got[off-1] != 100 {
		t.Errorf("sample before playback = %d; want untouched mic 100", got[off-1])
	}
}

func TestMixer_PlaybackBeforeOriginClampsToZero(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	m := recording.NewMixer(start, rawChain())
	m.AddPlayback(audio.Int16sToBytes([]int16{7}), recording.SampleRate, start.Add(-time.Second))

	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got := audio.BytesToInt16s(art.Data)
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("timeline = %v; want [7] at origin", got)
	}
}

func TestMixer_ResamplesToTimelineRate(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), rawChain())
	// 48 samples at 48 kHz become 24 samples at the 24 kHz timeline.
	m.AddMicFrame(make([]byte, 96), 48000)

	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(art.Data) != 48 {
		t.Errorf("timeline = %d bytes; want 48 after resampling", len(art.Data))
	}
}

func TestFinalize_IsIdempotentAndStopsMixing(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), rawChain())
	m.AddMicFrame(audio.Int16sToBytes([]int16{1}), recording.SampleRate)

	first, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// Audio after finalization must not change the artifact.
	m.AddMicFrame(audio.Int16sToBytes([]int16{9, 9, 9}), recording.SampleRate)
	m.AddPlayback(audio.Int16sToBytes([]int16{9}), recording.SampleRate, time.Unix(0, 0))

	second, err := m.Finalize()
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if first != second {
		t.Error("Finalize returned a different artifact on the second call")
	}
	if len(second.Data) != 2 {
		t.Errorf("artifact = %d bytes; want 2, post-finalize audio must be dropped", len(second.Data))
	}
}

func TestFinalize_EmptySessionYieldsZeroDurationArtifact(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), rawChain())
	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if art == nil {
		t.Fatal("artifact is nil; want an empty artifact")
	}
	if art.Duration != 0 || len(art.Data) != 0 {
		t.Errorf("artifact = %d bytes, %v; want empty", len(art.Data), art.Duration)
	}
}

func TestFinalize_FallsThroughFailedEncoders(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), recording.WithEncoders(
		failingEncoder{name: "preferred"},
		failingEncoder{name: "secondary"},
		recording.RawEncoder{},
	))
	m.AddMicFrame(audio.Int16sToBytes([]int16{5}), recording.SampleRate)

	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if art.MIME != (recording.RawEncoder{}).MIME() {
		t.Errorf("MIME = %q; want the raw fallback", art.MIME)
	}
}

func TestFinalize_AllEncodersFailed(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), recording.WithEncoders(failingEncoder{name: "only"}))
	if _, err := m.Finalize(); err == nil {
		t.Fatal("Finalize succeeded with no working encoder")
	}
}

func TestFinalize_ArtifactDuration(t *testing.T) {
	t.Parallel()

	m := recording.NewMixer(time.Unix(0, 0), rawChain())
	m.AddMicFrame(make([]byte, recording.SampleRate*2), recording.SampleRate) // one second

	art, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if art.Duration != time.Second {
		t.Errorf("duration = %v; want 1s", art.Duration)
	}
}

func TestWAVEncoder_Header(t *testing.T) {
	t.Parallel()

	data, err := recording.WAVEncoder{}.Encode([]int16{1, 2, 3}, recording.SampleRate)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("not a RIFF/WAVE stream: % x", data[:12])
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != recording.SampleRate {
		t.Errorf("header rate = %d; want %d", rate, recording.SampleRate)
	}
	if ch := binary.LittleEndian.Uint16(data[22:24]); ch != 1 {
		t.Errorf("channels = %d; want mono", ch)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != 6 {
		t.Errorf("data chunk size = %d; want 6", size)
	}
}
