package audio

import "time"

// Wire rates used by voice sessions.
const (
	// CaptureSampleRate is the rate of outbound (microphone) frames.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of inbound (synthesised) frames.
	PlaybackSampleRate = 24000
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: created at capture time or on
// receipt from the remote service, consumed once (sent or scheduled) and discarded.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (16000 for outbound frames, 24000 for inbound frames).
	SampleRate int

	// Channels is the interleaved channel count. Voice frames are mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the play time of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return samplesToDuration(f.Samples(), f.SampleRate)
}

// Buffer is decoded, playable audio: one sample slice per channel, values in
// [-1, 1]. Buffers are produced by [NewBuffer] and handed to an [Output].
type Buffer struct {
	// Channels holds one slice per channel. All slices have the same length.
	Channels [][]float32

	// SampleRate in Hz.
	SampleRate int
}

// Len returns the number of samples per channel.
func (b Buffer) Len() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return samplesToDuration(b.Len(), b.SampleRate)
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
