package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPCM is returned when a PCM byte stream is empty or its length is
// not a whole number of sample frames.
var ErrMalformedPCM = errors.New("audio: malformed pcm")

// PCMMIMEType returns the MIME type the voice services expect for raw 16-bit
// PCM at the given sample rate, e.g. "audio/pcm;rate=16000".
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// SamplesToPCM16 converts float samples in [-1, 1] to little-endian signed
// 16-bit PCM. Out-of-range input saturates at the int16 limits; NaN encodes
// as silence.
func SamplesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// quantize maps one float sample onto the int16 grid.
func quantize(s float32) int16 {
	f := float64(s)
	if math.IsNaN(f) {
		return 0
	}
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	v := math.Round(f * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToSamples converts little-endian signed 16-bit PCM to float samples.
// Each sample is value/32768, so the round trip through [SamplesToPCM16] is
// exact to within one quantisation step.
func PCM16ToSamples(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPCM, len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return out, nil
}

// DecodePCM16 de-interleaves PCM bytes into one float slice per channel. Each
// slice has totalSamples/channels entries.
func DecodePCM16(data []byte, channels int) ([][]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrMalformedPCM, channels)
	}
	if len(data) == 0 || len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channels", ErrMalformedPCM, len(data), channels)
	}
	frames := len(data) / (2 * channels)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			out[ch][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
		}
	}
	return out, nil
}

// NewBuffer decodes PCM bytes into a playable [Buffer].
func NewBuffer(data []byte, sampleRate, channels int) (Buffer, error) {
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: sample rate %d", ErrMalformedPCM, sampleRate)
	}
	chans, err := DecodePCM16(data, channels)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Channels: chans, SampleRate: sampleRate}, nil
}

// EncodeText returns the transport-safe (standard base64) form of b.
func EncodeText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeText reverses [EncodeText].
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode text: %w", err)
	}
	return b, nil
}
