package privacy

import "regexp"

// Placeholder types.
const (
	TypePerson     = "PERSON"
	TypeEmail      = "EMAIL"
	TypePhone      = "PHONE"
	TypeSSN        = "SSN"
	TypeCreditCard = "CREDIT_CARD"
	TypeIPAddress  = "IP_ADDRESS"
)

type structuredPattern struct {
	label string
	re    *regexp.Regexp
}

// structuredPatterns run in order over the progressively redacted text, so
// an earlier pattern claims a span before a later one can.
var structuredPatterns = []structuredPattern{
	{TypeEmail, regexp.MustCompile(`\b[\w.-]+@[\w.-]+\.\w+\b`)},
	{TypePhone, regexp.MustCompile(`\b(?:\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{TypeSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{TypeCreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{TypeIPAddress, regexp.MustCompile(`\b(?:25[0-5]|2[0-4]\d|[01]?\d\d?)(?:\.(?:25[0-5]|2[0-4]\d|[01]?\d\d?)){3}\b`)},
}

// redactStructured replaces emails, phone numbers, SSNs, card numbers and
// IPv4 addresses. Identical values share one placeholder.
func redactStructured(text string, a *assigner) string {
	for _, p := range structuredPatterns {
		blocked := placeholderSpans(text)
		var locs [][]int
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if !overlapsAny(loc[0], loc[1], blocked) {
				locs = append(locs, loc)
			}
		}
		if len(locs) == 0 {
			continue
		}

		phs := make([]string, len(locs))
		for i, loc := range locs {
			phs[i] = a.assign(p.label, text[loc[0]:loc[1]])
		}
		for i := len(locs) - 1; i >= 0; i-- {
			text = text[:locs[i][0]] + phs[i] + text[locs[i][1]:]
		}
	}
	return text
}
