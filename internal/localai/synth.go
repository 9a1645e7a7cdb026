package localai

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var _ Synthesizer = (*HTTPSynthesizer)(nil)
var _ Reloadable = (*HTTPSynthesizer)(nil)

// HTTPSynthesizer fronts a local HTTP text-to-speech server (Coqui-style
// GET /api/tts returning WAV). Rendered phrases are kept in an LRU keyed by
// (voice, text) so repeated lines — the per-call greeting above all — hit
// the model once.
type HTTPSynthesizer struct {
	serverURL string
	language  string
	client    *http.Client

	cacheSize int
	cache     *lru.Cache[string, cachedClip]
}

type cachedClip struct {
	pcm  []byte
	rate int
}

// SynthOption configures an HTTPSynthesizer.
type SynthOption func(*HTTPSynthesizer)

// WithSynthLanguage sets the language id sent to the TTS server. Defaults
// to "en".
func WithSynthLanguage(lang string) SynthOption {
	return func(s *HTTPSynthesizer) { s.language = lang }
}

// WithSynthTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithSynthTimeout(d time.Duration) SynthOption {
	return func(s *HTTPSynthesizer) { s.client.Timeout = d }
}

// WithSynthCacheSize sets the phrase cache capacity. Defaults to 64 entries.
func WithSynthCacheSize(n int) SynthOption {
	return func(s *HTTPSynthesizer) { s.cacheSize = n }
}

// NewHTTPSynthesizer creates a synthesizer client for the server at
// serverURL (e.g. "http://localhost:5002").
func NewHTTPSynthesizer(serverURL string, opts ...SynthOption) (*HTTPSynthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("localai: synthesizer server url must not be empty")
	}
	s := &HTTPSynthesizer{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  "en",
		client:    &http.Client{Timeout: 30 * time.Second},
		cacheSize: 64,
	}
	for _, o := range opts {
		o(s)
	}
	cache, err := lru.New[string, cachedClip](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("localai: synthesis cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Synthesize implements Synthesizer. It returns mono PCM16 at the model's
// native rate, from cache when the phrase was rendered before.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, int, error) {
	key := voice + "\x00" + text
	if clip, ok := s.cache.Get(key); ok {
		return clip.pcm, clip.rate, nil
	}

	params := url.Values{}
	params.Set("text", text)
	if voice != "" {
		params.Set("speaker_id", voice)
	}
	if s.language != "" {
		params.Set("language_id", s.language)
	}

	reqURL := s.serverURL + "/api/tts?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("localai: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("localai: GET /api/tts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("localai: GET /api/tts returned status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("localai: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, 0, err
	}
	if info.Channels != 1 {
		return nil, 0, fmt.Errorf("localai: expected mono WAV, got %d channels", info.Channels)
	}
	pcm := wav[info.DataOffset:]

	s.cache.Add(key, cachedClip{pcm: pcm, rate: info.SampleRate})
	return pcm, info.SampleRate, nil
}

// Reload implements Reloadable. The synthesizer holds no model state beyond
// the phrase cache, so reload purges it; the next request renders against
// whatever voice the server now serves.
func (s *HTTPSynthesizer) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// wavInfo is the subset of the WAV header synthesis needs.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g. 22050)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV walks the RIFF chunks of a WAV file and returns where its PCM
// payload starts plus the format fields needed downstream.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("localai: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("localai: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("localai: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt should appear before data, but be defensive.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("localai: WAV response missing data chunk")
}
