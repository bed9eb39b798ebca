package audio_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

func TestSamplesToPCM16_RoundTrip(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = r.Float32()*2 - 1
	}
	samples[0], samples[1], samples[2] = 0, -1, 1

	got, err := audio.PCM16ToSamples(audio.SamplesToPCM16(samples))
	if err != nil {
		t.Fatalf("PCM16ToSamples: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("length = %d, want %d", len(got), len(samples))
	}
	const step = 1.0 / 32768
	for i := range samples {
		if d := math.Abs(float64(got[i] - samples[i])); d > step {
			t.Errorf("sample %d: got %v, want %v (diff %v > %v)", i, got[i], samples[i], d, step)
		}
	}
}

func TestSamplesToPCM16_Saturates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"full scale positive", 1, 32767},
		{"over range positive", 1.7, 32767},
		{"full scale negative", -1, -32768},
		{"over range negative", -3, -32768},
		{"silence", 0, 0},
		{"nan", float32(math.NaN()), 0},
		{"half", 0.5, 16384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := audio.SamplesToPCM16([]float32{tt.in})
			got := int16(uint16(b[0]) | uint16(b[1])<<8)
			if got != tt.want {
				t.Errorf("quantised %v = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestPCM16ToSamples_Malformed(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{nil, {}, {1, 2, 3}} {
		if _, err := audio.PCM16ToSamples(data); !errors.Is(err, audio.ErrMalformedPCM) {
			t.Errorf("PCM16ToSamples(%v) err = %v, want ErrMalformedPCM", data, err)
		}
	}
}

func TestDecodePCM16_Channels(t *testing.T) {
	t.Parallel()

	// Interleaved stereo: L0 R0 L1 R1.
	data := audio.SamplesToPCM16([]float32{0.25, -0.25, 0.5, -0.5})
	chans, err := audio.DecodePCM16(data, 2)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if len(chans) != 2 {
		t.Fatalf("channels = %d, want 2", len(chans))
	}
	want := [][]float32{{0.25, 0.5}, {-0.25, -0.5}}
	for ch := range want {
		if len(chans[ch]) != 2 {
			t.Fatalf("channel %d length = %d, want 2", ch, len(chans[ch]))
		}
		for i := range want[ch] {
			if chans[ch][i] != want[ch][i] {
				t.Errorf("channel %d sample %d = %v, want %v", ch, i, chans[ch][i], want[ch][i])
			}
		}
	}
}

func TestDecodePCM16_RejectsPartialFrame(t *testing.T) {
	t.Parallel()

	// Three samples cannot form whole stereo frames.
	data := audio.SamplesToPCM16([]float32{0.1, 0.2, 0.3})
	if _, err := audio.DecodePCM16(data, 2); !errors.Is(err, audio.ErrMalformedPCM) {
		t.Errorf("err = %v, want ErrMalformedPCM", err)
	}
	if _, err := audio.DecodePCM16(data, 0); !errors.Is(err, audio.ErrMalformedPCM) {
		t.Errorf("zero channels err = %v, want ErrMalformedPCM", err)
	}
}

func TestNewBuffer_Duration(t *testing.T) {
	t.Parallel()

	// 4800 samples at 24 kHz is 200 ms.
	data := make([]byte, 4800*2)
	buf, err := audio.NewBuffer(data, audio.PlaybackSampleRate, 1)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if got := buf.Duration(); got != 200*time.Millisecond {
		t.Errorf("Duration = %v, want 200ms", got)
	}
	frame := audio.AudioFrame{Data: data, SampleRate: audio.PlaybackSampleRate, Channels: 1}
	if got := frame.Duration(); got != 200*time.Millisecond {
		t.Errorf("frame Duration = %v, want 200ms", got)
	}
}

func TestEncodeText_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := audio.SamplesToPCM16([]float32{0.1, -0.9, 0.33})
	text := audio.EncodeText(raw)
	back, err := audio.DecodeText(text)
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if string(back) != string(raw) {
		t.Errorf("round trip mismatch: %v vs %v", back, raw)
	}
	if _, err := audio.DecodeText("%%%"); err == nil {
		t.Error("DecodeText of invalid input should fail")
	}
}

func TestPCMMIMEType(t *testing.T) {
	t.Parallel()
	if got, want := audio.PCMMIMEType(16000), "audio/pcm;rate=16000"; got != want {
		t.Errorf("PCMMIMEType = %q, want %q", got, want)
	}
}
