// Package audio converts between the audio formats used on either side of
// the gateway. Telephony media streams carry µ-law 8kHz mono; the voice
// backends speak 16-bit PCM mono at 16kHz or 24kHz.
//
// The µ-law codec follows ITU-T G.711 and must stay bit-exact with the
// standard tables — it is a wire-interop boundary. The resampler is plain
// linear interpolation: not spectrally correct, but good enough for
// narrowband speech and cheap enough to run per frame. PCM byte order is
// 16-bit signed little-endian throughout.
package audio

const (
	mulawBias = 0x84 // 132
	mulawClip = 32635
)

// mulawDecodeTable maps each µ-law byte to its linear 16-bit sample.
var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		b := ^byte(i)
		sign := b & 0x80
		exponent := (b >> 4) & 0x07
		mantissa := b & 0x0F
		sample := ((int32(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = int16(sample)
	}
}

// DecodeMulaw converts µ-law bytes to PCM 16-bit signed little-endian.
func DecodeMulaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := uint16(mulawDecodeTable[b])
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// EncodeMulaw converts PCM 16-bit signed little-endian to µ-law bytes.
// An odd trailing byte is truncated to the last full sample.
func EncodeMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = encodeSample(sample)
	}
	return out
}

// encodeSample maps one linear sample to its µ-law byte: saturate, bias,
// locate the segment by the highest set bit, then pack sign/exponent/mantissa
// and invert per G.711.
func encodeSample(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// Resample converts PCM 16-bit mono between sample rates using linear
// interpolation. Identity when the rates match. Output length is
// floor(inputSamples * toRate / fromRate); values are clamped to the
// signed 16-bit range. Never fails: an odd trailing byte is dropped.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}

	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := n * toRate / fromRate
	out := make([]byte, outLen*2)

	for i := 0; i < outLen; i++ {
		src := float64(i) * ratio
		idx := int(src)
		frac := src - float64(idx)

		var val float64
		if idx+1 < n {
			val = float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		} else if idx < n {
			val = float64(samples[idx])
		}

		v := int32(val)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}

	return out
}

// TelephonyIn converts carrier µ-law 8kHz audio to PCM 16-bit at targetRate.
func TelephonyIn(mulaw []byte, targetRate int) []byte {
	return Resample(DecodeMulaw(mulaw), 8000, targetRate)
}

// TelephonyOut converts backend PCM 16-bit at sourceRate to carrier µ-law 8kHz.
func TelephonyOut(pcm []byte, sourceRate int) []byte {
	return EncodeMulaw(Resample(pcm, sourceRate, 8000))
}
