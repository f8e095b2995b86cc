package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPatternRedactor() *Redactor {
	return NewRedactor(nil, zerolog.Nop())
}

func TestRedact_Disabled(t *testing.T) {
	r := newPatternRedactor()
	res := r.Redact(context.Background(), "mail bob@example.com", false, nil)
	assert.Equal(t, "mail bob@example.com", res.RedactedText)
	assert.Empty(t, res.EntityMap)
	assert.Equal(t, EngineNone, res.Engine)

	res = r.Redact(context.Background(), "", true, nil)
	assert.Equal(t, EngineNone, res.Engine)
}

func TestRedact_StructuredPII(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		typ   string
		value string
	}{
		{"email", "write to bob.lee@example.com today", "write to <EMAIL_1> today", TypeEmail, "bob.lee@example.com"},
		{"phone", "my number is 555-123-4567", "my number is <PHONE_1>", TypePhone, "555-123-4567"},
		{"ssn", "ssn 123-45-6789 on file", "ssn <SSN_1> on file", TypeSSN, "123-45-6789"},
		{"credit card", "card 4111 1111 1111 1111 expires", "card <CREDIT_CARD_1> expires", TypeCreditCard, "4111 1111 1111 1111"},
		{"ip", "server at 192.168.1.20 is down", "server at <IP_ADDRESS_1> is down", TypeIPAddress, "192.168.1.20"},
	}

	r := newPatternRedactor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Redact(context.Background(), tt.input, true, nil)
			assert.Equal(t, tt.want, res.RedactedText)
			assert.Equal(t, EnginePattern, res.Engine)
			assert.Equal(t, tt.value, res.EntityMap[Placeholder(tt.typ, 1)])
		})
	}
}

func TestRedact_RepeatedValueSharesPlaceholder(t *testing.T) {
	r := newPatternRedactor()
	res := r.Redact(context.Background(), "cc a@b.io and again a@b.io, not c@d.io", true, nil)

	assert.Equal(t, "cc <EMAIL_1> and again <EMAIL_1>, not <EMAIL_2>", res.RedactedText)
	assert.Len(t, res.EntityMap, 2)
}

func TestExtractNames_Cues(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"keyword", "Draft an email to karthik about the budget", []string{"karthik"}},
		{"name then role", "karthik my cfo needs the report", []string{"karthik"}},
		{"comma role", "Sarah, our director, wants an update", []string{"Sarah"}},
		{"who is", "ping john smith who is my manager", []string{"john smith"}},
		{"meet with", "meet with Jordan from the office", []string{"Jordan"}},
		{"stop words only", "email to schedule the meeting", nil},
		{"org suffix", "email to Acme Corp about the deal", nil},
		{"org signal", "contact Brightwave, a startup we met", nil},
		{"task verb after cue", "remind me to call mom", nil},
		{"cue inside empty window", "remind me to call priya", []string{"priya"}},
		{"verb after with", "set up time with dad to text", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, n := range ExtractNames(tt.input) {
				got = append(got, n.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractNames_WholeWordLocation(t *testing.T) {
	spans := ExtractNames("please schedule with Theo tomorrow")
	require.Len(t, spans, 1)
	assert.Equal(t, "Theo", spans[0].Name)
	assert.Equal(t, strings.Index("please schedule with Theo tomorrow", "Theo"), spans[0].Start)
}

func TestCleanCandidate(t *testing.T) {
	assert.Equal(t, "john smith", cleanCandidate("to john smith about"))
	assert.Equal(t, "", cleanCandidate("to the"))
	assert.Equal(t, "", cleanCandidate("al"))
	assert.Equal(t, "", cleanCandidate("schedule"))
	assert.Equal(t, "maria", cleanCandidate("maria."))
}

func TestIsOrg(t *testing.T) {
	assert.True(t, isOrg("Brightwave Labs", "meet Brightwave Labs"))
	assert.True(t, isOrg("Brightwave", "the firm Brightwave called"))
	assert.False(t, isOrg("Priya", "call Priya tonight"))
}

func TestResolveOverlaps_LongestThenRuleOrder(t *testing.T) {
	cands := []NameSpan{
		{Name: "john", Start: 5, End: 9, Rule: "keyword"},
		{Name: "john smith", Start: 5, End: 15, Rule: "keyword"},
		{Name: "smith", Start: 10, End: 15, Rule: "name_role"},
		{Name: "ann", Start: 20, End: 23, Rule: "keyword"},
		{Name: "ann", Start: 20, End: 23, Rule: "comma_role"},
	}

	got := resolveOverlaps(cands)
	require.Len(t, got, 2)
	assert.Equal(t, "john smith", got[0].Name)
	assert.Equal(t, "comma_role", got[1].Rule)
}

func TestRedact_NamesNumberedInTextOrder(t *testing.T) {
	r := newPatternRedactor()
	res := r.Redact(context.Background(), "invite maya and tell omar, my boss", true, nil)

	assert.Equal(t, "maya", res.EntityMap["<PERSON_1>"])
	assert.Equal(t, "omar", res.EntityMap["<PERSON_2>"])
	assert.Equal(t, "invite <PERSON_1> and tell <PERSON_2>, my boss", res.RedactedText)
}

func TestRedact_RepeatedNameFullyRedacted(t *testing.T) {
	r := newPatternRedactor()
	res := r.Redact(context.Background(), "email to Priya and say Priya was right", true, nil)

	assert.NotContains(t, res.RedactedText, "Priya")
	assert.Equal(t, 2, strings.Count(res.RedactedText, "<PERSON_1>"))
}

func TestRedact_RepeatedNameInOtherCase(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lower then title", "email to bob then email to Bob", "email to <PERSON_1> then email to <PERSON_2>"},
		{"upper case repeat", "email to priya and tell PRIYA today", "email to <PERSON_1> and tell <PERSON_2> today"},
		{"two words", "ping john smith who is my manager, John  Smith knows", "ping <PERSON_1> who is my manager, <PERSON_2> knows"},
	}

	r := newPatternRedactor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Redact(context.Background(), tt.input, true, nil)
			assert.Equal(t, tt.want, res.RedactedText)
			assert.Equal(t, tt.input, Restore(res.RedactedText, res.EntityMap))
		})
	}
}

func TestRedact_StructuredBeforeNames(t *testing.T) {
	r := newPatternRedactor()
	res := r.Redact(context.Background(), "send it to maria at maria.lopez@example.com", true, nil)

	assert.Equal(t, "send it to <PERSON_1> at <EMAIL_1>", res.RedactedText)
	assert.Equal(t, "maria.lopez@example.com", res.EntityMap["<EMAIL_1>"])
	assert.Equal(t, "maria", res.EntityMap["<PERSON_1>"])
}

func TestRedact_SessionNumberingContinues(t *testing.T) {
	r := newPatternRedactor()
	session := NewEntityMap()

	first := r.Redact(context.Background(), "reach out via ana@x.io", true, session)
	session.Merge(first.EntityMap)
	assert.Equal(t, "reach out via <EMAIL_1>", first.RedactedText)

	second := r.Redact(context.Background(), "also ben@y.io and ana@x.io", true, session)
	session.Merge(second.EntityMap)
	assert.Equal(t, "also <EMAIL_2> and <EMAIL_1>", second.RedactedText)

	v, ok := session.Lookup("<EMAIL_1>")
	require.True(t, ok)
	assert.Equal(t, "ana@x.io", v)
	assert.Equal(t, 2, session.Counter(TypeEmail))
}

func TestRedact_RoundTrip(t *testing.T) {
	inputs := []string{
		"Draft an email to karthik about the budget",
		"call 555-123-4567 or write jo@ex.com, jo@ex.com again",
		"ping john smith who is my manager at 10.0.0.1",
		"Sarah, our director, wants card 4111-1111-1111-1111 charged",
		"nothing personal here at all",
	}

	r := newPatternRedactor()
	for _, in := range inputs {
		res := r.Redact(context.Background(), in, true, nil)
		assert.Equal(t, in, Restore(res.RedactedText, res.EntityMap), in)
	}
}

func TestRestore(t *testing.T) {
	m := map[string]string{"<PERSON_1>": "Ana", "<PERSON_10>": "Ben", "<EMAIL_1>": "a@b.io"}

	t.Run("multiple occurrences", func(t *testing.T) {
		assert.Equal(t, "Ana and Ben, Ana at a@b.io", Restore("<PERSON_1> and <PERSON_10>, <PERSON_1> at <EMAIL_1>", m))
	})
	t.Run("no placeholders", func(t *testing.T) {
		assert.Equal(t, "plain text", Restore("plain text", m))
	})
	t.Run("idempotent", func(t *testing.T) {
		once := Restore("hi <PERSON_1>", m)
		assert.Equal(t, once, Restore(once, m))
	})
	t.Run("unknown placeholder kept", func(t *testing.T) {
		assert.Equal(t, "<PERSON_2>", Restore("<PERSON_2>", m))
	})
}

func TestEntityMap_AppendOnly(t *testing.T) {
	m := NewEntityMap()
	assert.Equal(t, 1, m.Merge(map[string]string{"<PERSON_1>": "Ana"}))
	assert.Equal(t, 0, m.Merge(map[string]string{"<PERSON_1>": "Mallory"}))

	v, _ := m.Lookup("<PERSON_1>")
	assert.Equal(t, "Ana", v)
	assert.Equal(t, 1, m.Counter(TypePerson))
}

func TestParsePlaceholder(t *testing.T) {
	typ, n, ok := ParsePlaceholder("<CREDIT_CARD_12>")
	require.True(t, ok)
	assert.Equal(t, "CREDIT_CARD", typ)
	assert.Equal(t, 12, n)

	_, _, ok = ParsePlaceholder("PERSON_1")
	assert.False(t, ok)
}

type fakeAnalyzer struct {
	calls    atomic.Int32
	fn       func(text string) ([]Finding, error)
	selfTest bool
}

func (f *fakeAnalyzer) Analyze(_ context.Context, text string) ([]Finding, error) {
	f.calls.Add(1)
	if text == selfTestSentence {
		if f.selfTest {
			return []Finding{{EntityType: "PERSON", Start: 0, End: 10, Score: 0.9}}, nil
		}
		return nil, nil
	}
	return f.fn(text)
}

func findingFor(text, value, typ string) Finding {
	start := len([]rune(text[:strings.Index(text, value)]))
	return Finding{EntityType: typ, Start: start, End: start + len([]rune(value)), Score: 0.9}
}

func TestRedact_StatisticalWithNamePass(t *testing.T) {
	text := "email to karthik at k@x.com from Lisbon"
	fa := &fakeAnalyzer{selfTest: true, fn: func(s string) ([]Finding, error) {
		return []Finding{
			findingFor(s, "k@x.com", "EMAIL_ADDRESS"),
			findingFor(s, "Lisbon", "LOCATION"),
		}, nil
	}}

	r := NewRedactor(fa, zerolog.Nop())
	res := r.Redact(context.Background(), text, true, nil)

	assert.Equal(t, EngineStatistical, res.Engine)
	assert.Equal(t, "email to <PERSON_1> at <EMAIL_1> from Lisbon", res.RedactedText)
	assert.Equal(t, text, Restore(res.RedactedText, res.EntityMap))
}

func TestRedact_StatisticalPersonNumberingContinues(t *testing.T) {
	text := "Dana Scully and meet with mulder"
	fa := &fakeAnalyzer{selfTest: true, fn: func(s string) ([]Finding, error) {
		return []Finding{findingFor(s, "Dana Scully", "PERSON")}, nil
	}}

	res := NewRedactor(fa, zerolog.Nop()).Redact(context.Background(), text, true, nil)
	assert.Equal(t, "<PERSON_1> and meet with <PERSON_2>", res.RedactedText)
	assert.Equal(t, "mulder", res.EntityMap["<PERSON_2>"])
}

func TestRedact_SelfTestFailureIsPermanent(t *testing.T) {
	fa := &fakeAnalyzer{selfTest: false, fn: func(string) ([]Finding, error) {
		t.Fatal("analyzer must not be used after a failed self-test")
		return nil, nil
	}}
	r := NewRedactor(fa, zerolog.Nop())

	for i := 0; i < 3; i++ {
		res := r.Redact(context.Background(), "write to a@b.io", true, nil)
		assert.Equal(t, EnginePattern, res.Engine)
		assert.Equal(t, "write to <EMAIL_1>", res.RedactedText)
	}
	assert.Equal(t, int32(1), fa.calls.Load())
}

func TestRedact_AnalyzerErrorFallsBackToPatterns(t *testing.T) {
	fa := &fakeAnalyzer{selfTest: true, fn: func(string) ([]Finding, error) {
		return nil, errors.New("connection refused")
	}}
	r := NewRedactor(fa, zerolog.Nop())

	res := r.Redact(context.Background(), "write to a@b.io", true, nil)
	assert.Equal(t, EnginePattern, res.Engine)
	assert.Equal(t, "write to <EMAIL_1>", res.RedactedText)
}

func TestRedact_BadFindingDegradesToPatterns(t *testing.T) {
	fa := &fakeAnalyzer{selfTest: true, fn: func(string) ([]Finding, error) {
		return []Finding{{EntityType: "PERSON", Start: 2, End: 500}}, nil
	}}
	res := NewRedactor(fa, zerolog.Nop()).Redact(context.Background(), "hi a@b.io", true, nil)
	assert.Equal(t, EnginePattern, res.Engine)
	assert.Equal(t, "hi <EMAIL_1>", res.RedactedText)
}

func TestPresidioAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "en", body["language"])
		assert.Equal(t, "John Smith lives in New York", body["text"])

		_ = json.NewEncoder(w).Encode([]Finding{{EntityType: "PERSON", Start: 0, End: 10, Score: 0.85}})
	}))
	defer srv.Close()

	a := NewPresidioAnalyzer(srv.URL+"/", 0.35, time.Second)
	findings, err := a.Analyze(context.Background(), selfTestSentence)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "PERSON", findings[0].EntityType)

	r := NewRedactor(a, zerolog.Nop())
	assert.Equal(t, EngineStatistical, r.Engine(context.Background()))
}

func TestPresidioAnalyzer_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewPresidioAnalyzer(srv.URL, 0, time.Second).Analyze(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
