package audio

// FrameSize returns the byte length of one chunk of chunkMs milliseconds of
// audio at the given rate and encoding: ceil(rate·chunkMs/1000) samples, but
// never less than one sample. Returns 0 for an unrecognised encoding or
// non-positive rate.
func FrameSize(enc Encoding, rateHz, chunkMs int) int {
	width := enc.BytesPerSample()
	if width == 0 || rateHz <= 0 || chunkMs <= 0 {
		return 0
	}
	samples := (rateHz*chunkMs + 999) / 1000
	if samples < 1 {
		samples = 1
	}
	return samples * width
}

// Chunk splits data into consecutive non-overlapping frames of chunkMs
// milliseconds. The final frame may be short. Samples are never split across
// frames: every boundary is a multiple of the encoding's sample width. A nil
// result means the inputs were invalid; empty input yields no frames.
func Chunk(data []byte, enc Encoding, rateHz, chunkMs int) [][]byte {
	size := FrameSize(enc, rateHz, chunkMs)
	if size == 0 {
		return nil
	}

	var frames [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		// Keep the tail sample-aligned even when the input is truncated.
		if width := enc.BytesPerSample(); (end-off)%width != 0 {
			end -= (end - off) % width
			if end <= off {
				break
			}
		}
		frames = append(frames, data[off:end])
	}
	return frames
}
