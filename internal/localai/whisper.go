// This file contains the whisper.cpp-backed Recognizer. The whisper.cpp
// static library (libwhisper.a) and headers (whisper.h) must be available at
// link time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.

package localai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/asterivox/pkg/audio"
)

const (
	// speechRMSThreshold separates speech from silence in 16-bit PCM sample
	// units. Telephony noise floors sit well below this.
	speechRMSThreshold = 300.0

	// endpointSilenceMs of trailing silence after speech closes the
	// utterance and runs a final inference pass.
	endpointSilenceMs = 500

	// partialEveryMs is the minimum buffered-audio growth between partial
	// inference passes. Each pass decodes the whole window, so partials are
	// deliberately coarse.
	partialEveryMs = 1000

	// maxUtteranceMs caps buffered audio; hitting it forces an endpoint.
	maxUtteranceMs = 10000
)

var _ RecognizerFactory = (*WhisperFactory)(nil)
var _ Reloadable = (*WhisperFactory)(nil)

// WhisperFactory loads one whisper.cpp model and hands out per-utterance
// recognition contexts. The model is shared across recognisers; inference
// contexts are not, matching the bindings' thread-safety contract.
type WhisperFactory struct {
	mu        sync.RWMutex
	model     whisperlib.Model
	modelPath string
	language  string
}

// WhisperOption configures a WhisperFactory.
type WhisperOption func(*WhisperFactory)

// WithWhisperLanguage sets the BCP-47 language code for transcription
// (e.g. "en", "de"). Defaults to "en".
func WithWhisperLanguage(lang string) WhisperOption {
	return func(f *WhisperFactory) { f.language = lang }
}

// NewWhisperFactory loads the whisper.cpp model from the given file path.
// Call Close when the factory is no longer needed.
func NewWhisperFactory(modelPath string, opts ...WhisperOption) (*WhisperFactory, error) {
	if modelPath == "" {
		return nil, errors.New("localai: whisper model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("localai: load whisper model %q: %w", modelPath, err)
	}
	f := &WhisperFactory{model: model, modelPath: modelPath, language: "en"}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// NewRecognizer implements RecognizerFactory.
func (f *WhisperFactory) NewRecognizer() (Recognizer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.model == nil {
		return nil, fmt.Errorf("localai: whisper: %w", ErrModelUnavailable)
	}
	return &whisperRecognizer{factory: f}, nil
}

// Reload implements Reloadable by reopening the model file and swapping it
// in. Recognisers created against the old model finish on it; new ones get
// the fresh model.
func (f *WhisperFactory) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	model, err := whisperlib.New(f.modelPath)
	if err != nil {
		return fmt.Errorf("localai: reload whisper model %q: %w", f.modelPath, err)
	}
	f.mu.Lock()
	old := f.model
	f.model = model
	f.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("localai: closing previous whisper model failed", "error", err)
		}
	}
	slog.Info("localai: whisper model reloaded", "path", f.modelPath)
	return nil
}

// Close releases the model.
func (f *WhisperFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model == nil {
		return nil
	}
	err := f.model.Close()
	f.model = nil
	return err
}

var _ Recognizer = (*whisperRecognizer)(nil)

// whisperRecognizer adapts whisper.cpp's batch inference to the streaming
// Recognizer contract: audio is buffered with energy-based endpointing, and
// inference runs on the accumulated window at endpoints, on idle promotion,
// and (throttled) for partials. Not safe for concurrent use; the server
// serialises access per call.
type whisperRecognizer struct {
	factory *WhisperFactory

	samples   []float32
	hadSpeech bool
	silenceMs int

	lastPartial Hypothesis
	lastInferMs int
	final       Hypothesis
}

// AcceptAudio implements Recognizer. Leading silence is discarded; once
// speech is seen, audio accumulates until endpointSilenceMs of trailing
// silence (or the window cap) triggers a final inference.
func (r *whisperRecognizer) AcceptAudio(pcm []byte) (bool, error) {
	chunkMs := len(pcm) / 2 * 1000 / recognizerRate
	rms := audio.RMS(pcm)

	if rms < speechRMSThreshold {
		if !r.hadSpeech {
			return false, nil
		}
		r.silenceMs += chunkMs
		r.samples = append(r.samples, pcm16ToFloat32(pcm)...)
		if r.silenceMs < endpointSilenceMs {
			return false, nil
		}
	} else {
		r.hadSpeech = true
		r.silenceMs = 0
		r.samples = append(r.samples, pcm16ToFloat32(pcm)...)
		if r.bufferedMs() < maxUtteranceMs {
			return false, nil
		}
	}

	hyp, err := r.infer()
	if err != nil {
		return false, err
	}
	r.final = hyp
	return true, nil
}

// Result implements Recognizer.
func (r *whisperRecognizer) Result() Hypothesis { return r.final }

// Partial implements Recognizer. A fresh inference pass runs at most once
// per partialEveryMs of new audio; in between the previous hypothesis is
// repeated.
func (r *whisperRecognizer) Partial() Hypothesis {
	if !r.hadSpeech {
		return r.lastPartial
	}
	bufMs := r.bufferedMs()
	if bufMs-r.lastInferMs < partialEveryMs {
		return r.lastPartial
	}
	hyp, err := r.infer()
	if err != nil {
		slog.Warn("localai: whisper partial inference failed", "error", err)
		return r.lastPartial
	}
	r.lastInferMs = bufMs
	r.lastPartial = hyp
	return hyp
}

// FinalResult implements Recognizer: it drains whatever is buffered as the
// best hypothesis for the utterance so far and resets the window.
func (r *whisperRecognizer) FinalResult() Hypothesis {
	if !r.hadSpeech || len(r.samples) == 0 {
		return Hypothesis{}
	}
	hyp, err := r.infer()
	if err != nil {
		slog.Warn("localai: whisper final inference failed", "error", err)
		hyp = r.lastPartial
	}
	r.samples = nil
	r.hadSpeech = false
	r.silenceMs = 0
	r.lastInferMs = 0
	return hyp
}

func (r *whisperRecognizer) bufferedMs() int {
	return len(r.samples) * 1000 / recognizerRate
}

// infer runs whisper.cpp on the buffered window using a fresh context.
// Contexts are cheap relative to inference and are not reusable across
// concurrent passes.
func (r *whisperRecognizer) infer() (Hypothesis, error) {
	r.factory.mu.RLock()
	model := r.factory.model
	language := r.factory.language
	r.factory.mu.RUnlock()
	if model == nil {
		return Hypothesis{}, fmt.Errorf("localai: whisper: %w", ErrModelUnavailable)
	}

	wctx, err := model.NewContext()
	if err != nil {
		return Hypothesis{}, fmt.Errorf("localai: whisper context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("localai: whisper language not applied", "language", language, "error", err)
	}

	if err := wctx.Process(r.samples, nil, nil, nil); err != nil {
		return Hypothesis{}, fmt.Errorf("localai: whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Hypothesis{}, fmt.Errorf("localai: whisper segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return Hypothesis{Text: strings.Join(parts, " ")}, nil
}

// pcm16ToFloat32 converts little-endian PCM16 to the normalised float32
// samples whisper.cpp consumes.
func pcm16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}
