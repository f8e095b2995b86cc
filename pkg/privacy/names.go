package privacy

import (
	"regexp"
	"sort"
	"strings"
)

// NameSpan is a person-name candidate located in text.
type NameSpan struct {
	Name  string
	Start int
	End   int
	Rule  string
}

type nameRule struct {
	name string
	re   *regexp.Regexp
	// rescan resumes the search inside a window that held no name, so
	// "remind me to call priya" still reaches the "call" cue.
	rescan bool
}

const nameWord = `[a-zA-Z][a-zA-Z'-]*`

// nameRules are applied in order; on identical spans the earlier rule wins.
var nameRules = buildNameRules()

func buildNameRules() []nameRule {
	quote := func(words []string) string {
		q := make([]string, len(words))
		for i, w := range words {
			q[i] = regexp.QuoteMeta(w)
		}
		return strings.Join(q, "|")
	}
	roles := quote(roleWords)
	poss := quote(possessives)
	twoWords := `(` + nameWord + `(?:\s+` + nameWord + `)?)`

	return []nameRule{
		{"name_role", regexp.MustCompile(`(?i)\b` + twoWords + `\s+(?:` + poss + `)\s+(?:` + roles + `)\b`), false},
		{"who_is", regexp.MustCompile(`(?i)\b` + twoWords + `\s+who\s+is\s+(?:(?:` + poss + `)\s+)?(?:` + roles + `)\b`), false},
		{"comma_role", regexp.MustCompile(`(?i)\b` + twoWords + `\s*,\s*(?:` + poss + `)\s+(?:` + roles + `)\b`), false},
		{"keyword", regexp.MustCompile(`(?i)\b(?:` + quote(nameKeywords) + `)\s+(` + nameWord + `(?:\s+` + nameWord + `){0,2})(?:\s|$|[,.])`), true},
	}
}

// ExtractNames finds person names from syntactic cues rather than
// capitalization. The result is free of overlaps and sorted by position.
func ExtractNames(text string) []NameSpan {
	blocked := placeholderSpans(text)
	seen := make(map[[2]int]bool)
	var cands []NameSpan

	for _, rule := range nameRules {
		for off := 0; off < len(text); {
			m := rule.re.FindStringSubmatchIndex(text[off:])
			if m == nil {
				break
			}
			name := cleanCandidate(text[off+m[2] : off+m[3]])
			if name == "" && rule.rescan {
				off += m[2]
			} else {
				off += m[1]
			}
			if name == "" || strings.Contains(name, "<") {
				continue
			}
			if isOrg(name, text) {
				continue
			}
			start, end, ok := locate(name, text, blocked)
			if !ok {
				continue
			}
			span := [2]int{start, end}
			if seen[span] {
				continue
			}
			seen[span] = true
			cands = append(cands, NameSpan{Name: text[start:end], Start: start, End: end, Rule: rule.name})
		}
	}
	return resolveOverlaps(cands)
}

// cleanCandidate trims punctuation and edge stop-words. It returns "" for
// anything that cannot be a name.
func cleanCandidate(raw string) string {
	name := strings.TrimRight(strings.TrimSpace(raw), ".,;:!?")
	if len(name) < 2 {
		return ""
	}

	words := strings.Fields(name)
	for len(words) > 0 && IsStopWord(words[0]) {
		words = words[1:]
	}
	for len(words) > 0 && IsStopWord(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return ""
	}

	name = strings.Join(words, " ")
	if len(name) < 3 || IsStopWord(name) {
		return ""
	}
	return name
}

// isOrg reports whether name looks like an organization, either by its own
// words or by signal words near its first occurrence.
func isOrg(name, text string) bool {
	lname := strings.ToLower(name)
	for _, w := range strings.Fields(lname) {
		if _, ok := orgSuffixes[w]; ok {
			return true
		}
	}

	ltext := strings.ToLower(text)
	idx := strings.Index(ltext, lname)
	if idx < 0 {
		return false
	}
	lo := max(0, idx-orgWindow)
	hi := min(len(ltext), idx+len(lname)+orgWindow)
	window := ltext[lo:hi]
	for _, sig := range orgSignals {
		if strings.Contains(window, sig) {
			return true
		}
	}
	return false
}

// nameOccurrences matches name as whole words in any case, allowing any
// run of whitespace between its words.
func nameOccurrences(name string) *regexp.Regexp {
	words := strings.Fields(name)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
}

// locate finds the first whole-word, case-insensitive occurrence of name
// outside existing placeholders.
func locate(name, text string, blocked [][]int) (int, int, bool) {
	for _, loc := range nameOccurrences(name).FindAllStringIndex(text, -1) {
		if !overlapsAny(loc[0], loc[1], blocked) {
			return loc[0], loc[1], true
		}
	}
	return 0, 0, false
}

// resolveOverlaps keeps the longest of any overlapping candidates, earlier
// rule first on equal length, and returns the survivors in text order.
func resolveOverlaps(cands []NameSpan) []NameSpan {
	ruleRank := make(map[string]int, len(nameRules))
	for i, r := range nameRules {
		ruleRank[r.name] = i
	}

	ordered := append([]NameSpan(nil), cands...)
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := ordered[i].End-ordered[i].Start, ordered[j].End-ordered[j].Start
		if li != lj {
			return li > lj
		}
		if ruleRank[ordered[i].Rule] != ruleRank[ordered[j].Rule] {
			return ruleRank[ordered[i].Rule] < ruleRank[ordered[j].Rule]
		}
		return ordered[i].Start < ordered[j].Start
	})

	var kept []NameSpan
	var taken [][]int
	for _, c := range ordered {
		if overlapsAny(c.Start, c.End, taken) {
			continue
		}
		kept = append(kept, c)
		taken = append(taken, []int{c.Start, c.End})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

type nameHit struct {
	start, end int
	ph         string
}

// redactNames replaces extracted names with PERSON placeholders numbered in
// text order. Every further whole-word occurrence of a name, in any case, is
// replaced too so no copy is left in clear text; identical spellings share a
// placeholder. Names matching exclude (case-insensitive) are left alone.
func redactNames(text string, a *assigner, exclude ...string) string {
	var names []NameSpan
	for _, n := range ExtractNames(text) {
		if !containsFold(exclude, n.Name) {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return text
	}

	blocked := placeholderSpans(text)
	var hits []nameHit
	for _, n := range names {
		ph := a.assign(TypePerson, n.Name)
		hits = append(hits, nameHit{n.Start, n.End, ph})
		blocked = append(blocked, []int{n.Start, n.End})
	}
	for _, n := range names {
		for _, loc := range nameOccurrences(n.Name).FindAllStringIndex(text, -1) {
			if overlapsAny(loc[0], loc[1], blocked) {
				continue
			}
			// Each spelling keeps its own placeholder so restore gives back
			// exactly what was typed.
			hits = append(hits, nameHit{loc[0], loc[1], a.assign(TypePerson, text[loc[0]:loc[1]])})
			blocked = append(blocked, loc)
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].start > hits[j].start })
	for _, h := range hits {
		if !strings.EqualFold(text[h.start:h.end], a.entries[h.ph]) {
			continue
		}
		text = text[:h.start] + h.ph + text[h.end:]
	}
	return text
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
