package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	placeholderRe     = regexp.MustCompile(`<([A-Z][A-Z_]*)_(\d+)>`)
	fullPlaceholderRe = regexp.MustCompile(`^<([A-Z][A-Z_]*)_(\d+)>$`)
)

// Placeholder renders the token that stands in for the n-th value of typ.
func Placeholder(typ string, n int) string {
	return fmt.Sprintf("<%s_%d>", typ, n)
}

// ParsePlaceholder splits a token such as <CREDIT_CARD_2> into its type and number.
func ParsePlaceholder(ph string) (string, int, bool) {
	m := fullPlaceholderRe.FindStringSubmatch(ph)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// EntityMap is the session-wide, append-only placeholder -> original mapping.
// Counters per type only ever grow so a placeholder is never reissued.
type EntityMap struct {
	mu       sync.RWMutex
	entries  map[string]string
	counters map[string]int
}

// NewEntityMap creates an empty map.
func NewEntityMap() *EntityMap {
	return &EntityMap{
		entries:  make(map[string]string),
		counters: make(map[string]int),
	}
}

// Merge adds the entries of partial that are not yet present and returns how
// many were added. Existing placeholders keep their original value.
func (m *EntityMap) Merge(partial map[string]string) int {
	if len(partial) == 0 {
		return 0
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, ph := range keys {
		if _, exists := m.entries[ph]; exists {
			continue
		}
		m.entries[ph] = partial[ph]
		added++
		if typ, n, ok := ParsePlaceholder(ph); ok && n > m.counters[typ] {
			m.counters[typ] = n
		}
	}
	return added
}

// Lookup returns the original value behind a placeholder.
func (m *EntityMap) Lookup(ph string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[ph]
	return v, ok
}

// PlaceholderFor finds the placeholder already issued for value under typ.
func (m *EntityMap) PlaceholderFor(typ, value string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ph, v := range m.entries {
		if v != value {
			continue
		}
		if t, _, ok := ParsePlaceholder(ph); ok && t == typ {
			return ph, true
		}
	}
	return "", false
}

// Counter returns the highest number issued for typ.
func (m *EntityMap) Counter(typ string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[typ]
}

// Len returns the number of entries.
func (m *EntityMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of the entries.
func (m *EntityMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Restore replaces every known placeholder in text with its original value.
func (m *EntityMap) Restore(text string) string {
	if m == nil {
		return text
	}
	return Restore(text, m.Snapshot())
}

// Restore performs literal placeholder substitution in a single pass, so
// restored values are never themselves rewritten.
func Restore(text string, entities map[string]string) string {
	if len(entities) == 0 || !strings.Contains(text, "<") {
		return text
	}
	pairs := make([]string, 0, len(entities)*2)
	for ph, v := range entities {
		pairs = append(pairs, ph, v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// placeholderSpans returns the byte ranges of placeholder tokens in text.
func placeholderSpans(text string) [][]int {
	return placeholderRe.FindAllStringIndex(text, -1)
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

// assigner hands out placeholders for one redaction call, continuing the
// numbering of the session map and reusing placeholders for repeated values.
type assigner struct {
	session  *EntityMap
	counters map[string]int
	entries  map[string]string
	byValue  map[string]string
}

func newAssigner(session *EntityMap) *assigner {
	a := &assigner{
		session:  session,
		counters: make(map[string]int),
		entries:  make(map[string]string),
		byValue:  make(map[string]string),
	}
	if session != nil {
		session.mu.RLock()
		for t, n := range session.counters {
			a.counters[t] = n
		}
		session.mu.RUnlock()
	}
	return a
}

// reserve bumps counters past any placeholder tokens already present in text.
func (a *assigner) reserve(text string) {
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[2]); err == nil && n > a.counters[m[1]] {
			a.counters[m[1]] = n
		}
	}
}

func (a *assigner) assign(typ, value string) string {
	key := typ + "\x00" + value
	if ph, ok := a.byValue[key]; ok {
		return ph
	}
	if a.session != nil {
		if ph, ok := a.session.PlaceholderFor(typ, value); ok {
			a.byValue[key] = ph
			a.entries[ph] = value
			return ph
		}
	}
	for {
		a.counters[typ]++
		ph := Placeholder(typ, a.counters[typ])
		if _, taken := a.entries[ph]; taken {
			continue
		}
		if a.session != nil {
			if _, taken := a.session.Lookup(ph); taken {
				continue
			}
		}
		a.byValue[key] = ph
		a.entries[ph] = value
		return ph
	}
}

// typeCounts tallies the entries handed out by type.
func (a *assigner) typeCounts() map[string]int {
	counts := make(map[string]int)
	for ph := range a.entries {
		if typ, _, ok := ParsePlaceholder(ph); ok {
			counts[typ]++
		}
	}
	return counts
}
