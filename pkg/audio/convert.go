package audio

import "fmt"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch {
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	case f.Channels > 2:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	default:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	}
}

// ── Float samples (capture side) ─────────────────────────────────────────────

// DownmixToMono averages interleaved float samples into a single channel. A
// trailing partial frame is dropped.
func DownmixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleFloat resamples mono float samples from srcRate to dstRate using
// linear interpolation. Equal or non-positive rates return samples as is.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	out := make([]float32, int(int64(len(samples))*int64(dstRate)/int64(srcRate)))
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		idx, frac := lerpIndex(float64(i)*step, len(samples))
		out[i] = samples[idx]*(1-float32(frac)) + samples[min(idx+1, len(samples)-1)]*float32(frac)
	}
	return out
}

// ── 16-bit PCM (wire side) ───────────────────────────────────────────────────

// StereoToMono averages each left/right pair of interleaved 16-bit PCM into
// one mono sample. A trailing partial frame is dropped.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l, r := int32(pcmSample(pcm, 2*i)), int32(pcmSample(pcm, 2*i+1))
		putPCMSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Equal or non-positive rates return pcm as is.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / 2
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	dst := int(int64(n) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dst*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dst {
		idx, frac := lerpIndex(float64(i)*step, n)
		s0 := float64(pcmSample(pcm, idx))
		s1 := float64(pcmSample(pcm, min(idx+1, n-1)))
		putPCMSample(out, i, int16(s0+(s1-s0)*frac))
	}
	return out
}

// lerpIndex splits a fractional source position into an index below n and
// the interpolation weight of the following sample.
func lerpIndex(pos float64, n int) (int, float64) {
	idx := int(pos)
	if idx >= n {
		return n - 1, 0
	}
	return idx, pos - float64(idx)
}

func pcmSample(pcm []byte, i int) int16 {
	return int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
}

func putPCMSample(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(uint16(v) >> 8)
}
