package engine

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// MaskManager holds the set of keywords discovered so far and performs
// equal-length substitution. Replacing a keyword with a same-length run of
// the mask character keeps every rune offset stable, so segments dispatched
// before a discovery still shrink their probe surface without shifting
// coordinates.
type MaskManager struct {
	mu       sync.RWMutex
	maskChar string
	keywords map[string]struct{}
}

// NewMaskManager creates a manager using the given mask character
// (default "*").
func NewMaskManager(maskChar string) *MaskManager {
	if maskChar == "" {
		maskChar = "*"
	}
	return &MaskManager{
		maskChar: maskChar,
		keywords: make(map[string]struct{}),
	}
}

// Add registers a keyword. Returns true if it was new.
func (m *MaskManager) Add(keyword string) bool {
	if keyword == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keywords[keyword]; ok {
		return false
	}
	m.keywords[keyword] = struct{}{}
	return true
}

// Snapshot returns a copy of the known keyword set.
func (m *MaskManager) Snapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keywords))
	for kw := range m.keywords {
		out = append(out, kw)
	}
	return out
}

// Count returns the number of known keywords.
func (m *MaskManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keywords)
}

// Apply replaces every occurrence of each known keyword with an equal-length
// run of the mask character. Keywords are applied longest-first so a short
// keyword cannot break up a longer one. The result always has the same rune
// length as the input.
func (m *MaskManager) Apply(text string) string {
	if text == "" {
		return text
	}
	keywords := m.Snapshot()
	if len(keywords) == 0 {
		return text
	}

	sort.Slice(keywords, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(keywords[i]), utf8.RuneCountInString(keywords[j])
		if li != lj {
			return li > lj
		}
		return keywords[i] < keywords[j]
	})

	masked := text
	for _, kw := range keywords {
		if strings.Contains(masked, kw) {
			masked = strings.ReplaceAll(masked, kw, strings.Repeat(m.maskChar, utf8.RuneCountInString(kw)))
		}
	}
	return masked
}

// MaskChar returns the configured mask character.
func (m *MaskManager) MaskChar() string { return m.maskChar }

// Reset clears all known keywords. Called once at scan start.
func (m *MaskManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = make(map[string]struct{})
}

// FullyMasked reports whether text consists entirely of mask characters and
// whitespace. Such a segment is already explained by known keywords and
// never needs a probe.
func (m *MaskManager) FullyMasked(text string) bool {
	if text == "" {
		return false
	}
	maskRune, _ := utf8.DecodeRuneInString(m.maskChar)
	seen := false
	for _, r := range text {
		switch {
		case r == maskRune:
			seen = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		default:
			return false
		}
	}
	return seen
}
