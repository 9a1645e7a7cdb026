package audio

// Resample converts 16-bit mono little-endian PCM from srcRate to dstRate
// using linear interpolation. The conversion is deterministic: identical
// inputs always produce identical outputs. If srcRate == dstRate or either
// rate is non-positive, the input is returned unchanged.
//
// The output length follows dstSamples = srcSamples·dstRate/srcRate, so a
// round trip a→b→a restores the original sample count within ±1.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ToRecognizerPCM converts caller audio in any supported telephony format to
// the 16 kHz PCM16 the speech recogniser expects.
func ToRecognizerPCM(f Frame) ([]byte, error) {
	out, err := Transcode(f, EncodingPCM16, 16000)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ToTelephony converts synthesiser PCM16 output at the given rate to 8 kHz
// μ-law for playback on the call.
func ToTelephony(pcm []byte, rateHz int) ([]byte, error) {
	out, err := Transcode(Frame{Encoding: EncodingPCM16, SampleRate: rateHz, Data: pcm}, EncodingMulaw, 8000)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}
