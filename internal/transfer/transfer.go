// Package transfer resolves a caller's spoken transfer request to a dialplan
// target.
//
// Resolution tries the configured directory first: an exact name match, then
// a unique containment match, then phonetic ranking — Double Metaphone codes
// filter candidates and Jaro-Winkler similarity ranks them, so "sails
// department" still reaches the sales queue. When no directory name wins
// uniquely, the spoken text is parsed as a direct extension ("two zero four"
// or "204"). A configured default target catches everything else.
package transfer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// ErrNoTarget is returned when nothing in the spoken text resolves to a
// dialplan target and no default is configured.
var ErrNoTarget = errors.New("transfer: no matching target")

// Default similarity thresholds for phonetic directory matching.
const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Extensions parsed out of spoken text must have a plausible length.
const (
	minExtensionDigits = 2
	maxExtensionDigits = 6
)

// Method records which resolution rule produced a target.
type Method string

const (
	MethodExact     Method = "exact"
	MethodContains  Method = "contains"
	MethodPhonetic  Method = "phonetic"
	MethodExtension Method = "extension"
	MethodDefault   Method = "default"
)

// Resolution is a resolved transfer target.
type Resolution struct {
	// Target is the dialplan target to redirect to.
	Target string
	// Name is the directory name that matched, empty for extension and
	// default resolutions.
	Name string
	// Method is the rule that produced the target.
	Method Method
	// Score is the similarity score for phonetic matches, 1.0 otherwise.
	Score float64
}

// Config configures a Resolver.
type Config struct {
	// Directory maps spoken destination names to dialplan targets.
	Directory map[string]string

	// DefaultTarget is used when nothing else matches. Empty disables the
	// fallback.
	DefaultTarget string

	// PhoneticThreshold is the minimum Jaro-Winkler score for a
	// phonetically-filtered candidate. Zero means 0.70.
	PhoneticThreshold float64

	// FuzzyThreshold is the minimum Jaro-Winkler score when no phonetic
	// candidate exists. Zero means 0.85.
	FuzzyThreshold float64
}

// Resolver resolves spoken transfer requests. Read-only after construction
// and safe for concurrent use.
type Resolver struct {
	names             []string          // normalized, sorted for determinism
	targets           map[string]string // normalized name -> target
	display           map[string]string // normalized name -> configured name
	defaultTarget     string
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a Resolver from cfg. Directory names are normalized
// case-insensitively; when two configured names collapse to the same form,
// the lexicographically later one wins.
func New(cfg Config) *Resolver {
	r := &Resolver{
		targets:           make(map[string]string, len(cfg.Directory)),
		display:           make(map[string]string, len(cfg.Directory)),
		defaultTarget:     cfg.DefaultTarget,
		phoneticThreshold: cfg.PhoneticThreshold,
		fuzzyThreshold:    cfg.FuzzyThreshold,
	}
	if r.phoneticThreshold <= 0 {
		r.phoneticThreshold = defaultPhoneticThreshold
	}
	if r.fuzzyThreshold <= 0 {
		r.fuzzyThreshold = defaultFuzzyThreshold
	}

	configured := make([]string, 0, len(cfg.Directory))
	for name := range cfg.Directory {
		configured = append(configured, name)
	}
	sort.Strings(configured)

	for _, name := range configured {
		norm := normalize(name)
		if norm == "" {
			continue
		}
		if _, seen := r.targets[norm]; !seen {
			r.names = append(r.names, norm)
		}
		r.targets[norm] = cfg.Directory[name]
		r.display[norm] = name
	}
	sort.Strings(r.names)
	return r
}

// Resolve maps spoken text to a dialplan target. The directory wins when a
// unique name matches; otherwise the text is parsed as a direct extension;
// otherwise the default target applies.
func (r *Resolver) Resolve(spoken string) (Resolution, error) {
	norm := normalize(spoken)

	if norm != "" {
		if res, ok := r.resolveDirectory(norm); ok {
			return res, nil
		}
		if ext, ok := parseExtension(norm); ok {
			return Resolution{Target: ext, Method: MethodExtension, Score: 1}, nil
		}
	}

	if r.defaultTarget != "" {
		return Resolution{Target: r.defaultTarget, Method: MethodDefault, Score: 1}, nil
	}
	return Resolution{}, fmt.Errorf("transfer: resolve %q: %w", spoken, ErrNoTarget)
}

func (r *Resolver) resolveDirectory(norm string) (Resolution, bool) {
	if target, ok := r.targets[norm]; ok {
		return Resolution{Target: target, Name: r.display[norm], Method: MethodExact, Score: 1}, true
	}

	// Containment: a directory name spoken inside a longer request
	// ("put me through to billing please"). Only a unique hit counts.
	var contained []string
	padded := " " + norm + " "
	for _, name := range r.names {
		if strings.Contains(padded, " "+name+" ") {
			contained = append(contained, name)
		}
	}
	if len(contained) == 1 {
		name := contained[0]
		return Resolution{Target: r.targets[name], Name: r.display[name], Method: MethodContains, Score: 1}, true
	}

	if name, score, ok := r.rankPhonetic(norm); ok {
		return Resolution{Target: r.targets[name], Name: r.display[name], Method: MethodPhonetic, Score: score}, true
	}
	return Resolution{}, false
}

// rankPhonetic selects the directory name most similar to the spoken text.
// Double Metaphone overlap qualifies candidates at the phonetic threshold;
// names without overlap must clear the stricter fuzzy threshold. The winner
// must be unique: a score tie between two names resolves to no match.
func (r *Resolver) rankPhonetic(norm string) (string, float64, bool) {
	spokenTokens := strings.Fields(norm)
	spokenCodes := metaphoneCodes(spokenTokens)

	var (
		best      string
		bestScore float64
		bestPhon  bool
		tied      bool
	)
	for _, name := range r.names {
		nameTokens := strings.Fields(name)
		phonetic := codesOverlap(spokenCodes, metaphoneCodes(nameTokens))

		score := similarity(spokenTokens, nameTokens, norm, name)
		threshold := r.fuzzyThreshold
		if phonetic {
			threshold = r.phoneticThreshold
		}
		if score < threshold {
			continue
		}

		// Phonetic candidates outrank fuzzy-only ones regardless of score.
		switch {
		case phonetic && !bestPhon,
			phonetic == bestPhon && score > bestScore:
			best, bestScore, bestPhon, tied = name, score, phonetic, false
		case phonetic == bestPhon && score == bestScore:
			tied = true
		}
	}
	if best == "" || tied {
		return "", 0, false
	}
	return best, bestScore, true
}

// similarity is the best Jaro-Winkler score across three views of the pair:
// the full strings, the space-stripped strings, and the best token pair.
func similarity(spokenTokens, nameTokens []string, spoken, name string) float64 {
	score := matchr.JaroWinkler(spoken, name, false)

	if len(spokenTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(spokenTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	for _, st := range spokenTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(st, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// digitWords maps spoken digits to their characters. "oh" is accepted for
// zero; risky homophones ("to", "for") are deliberately not mapped.
var digitWords = map[string]byte{
	"zero": '0', "oh": '0',
	"one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
}

// parseExtension extracts a direct extension from normalized spoken text.
// Digit tokens and spoken digit words concatenate; the result must have a
// plausible extension length.
func parseExtension(norm string) (string, bool) {
	var digits strings.Builder
	for _, tok := range strings.Fields(norm) {
		if d, ok := digitWords[tok]; ok {
			digits.WriteByte(d)
			continue
		}
		if isDigits(tok) {
			digits.WriteString(tok)
		}
	}
	ext := digits.String()
	if len(ext) < minExtensionDigits || len(ext) > maxExtensionDigits {
		return "", false
	}
	return ext, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalize lowercases, strips everything but letters, digits and spaces,
// and collapses runs of whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
