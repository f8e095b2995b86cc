package privacy

import "strings"

// roleWords are nouns that, after a possessive or article, mark the
// preceding words as a person ("sarah, my cfo").
var roleWords = []string{
	"cfo", "ceo", "cto", "coo", "cpo", "cmo", "vp", "svp", "evp", "avp",
	"president", "director", "manager", "lead", "head", "chief",
	"boss", "supervisor", "colleague", "coworker", "assistant",
	"secretary", "analyst", "engineer", "developer", "designer",
	"accountant", "lawyer", "attorney", "doctor", "professor",
	"advisor", "consultant", "partner", "associate", "intern",
	"friend", "brother", "sister", "mom", "dad", "wife", "husband",
	"uncle", "aunt", "cousin", "neighbor", "roommate",
}

// nameKeywords precede a name ("meeting with john smith"). Multi-word
// keywords come first so the alternation prefers them.
var nameKeywords = []string{
	"reply to", "schedule with", "meeting with", "call with",
	"to", "from", "with", "tell", "ask", "email", "message",
	"contact", "call", "notify", "invite", "cc", "bcc",
	"remind", "meet", "ping", "text",
}

var possessives = []string{"my", "our", "the", "his", "her", "their", "your"}

// orgSuffixes mark a candidate as an organization when any of its words match.
var orgSuffixes = setOf(
	"corp", "corporation", "inc", "llc", "ltd", "company",
	"enterprises", "technologies", "tech", "labs", "studios",
	"solutions", "partners", "capital", "ventures", "group",
	"foundation", "institute", "university", "bank",
)

// orgSignals found near a candidate mark it as an organization.
var orgSignals = []string{"company", "firm", "startup", "corporation", "organization"}

// orgWindow is how many characters either side of a candidate are checked
// for orgSignals.
const orgWindow = 25

// stopWords can never be (part of the edge of) a person name.
var stopWords = setOf(
	// days and months
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
	"today", "tomorrow", "tonight", "yesterday", "morning", "afternoon",
	"evening", "week", "weekend", "month",
	// task words and verbs
	"email", "message", "meeting", "report", "document", "file", "project",
	"team", "department", "company", "group", "schedule", "calendar",
	"draft", "reply", "send", "create", "list", "read", "summarize",
	"research", "search", "find", "check", "verify", "prepare",
	"reminder", "event", "task", "note", "memo", "letter", "invoice",
	"add", "remove", "delete", "update", "edit", "change", "move", "copy",
	"set", "put", "run", "open", "close", "start", "stop", "cancel",
	"save", "load", "show", "hide", "view", "print", "export", "import",
	"share", "forward", "attach", "upload", "download", "sync",
	"book", "reserve", "confirm", "accept", "decline", "approve", "reject",
	"assign", "complete", "finish", "submit", "review", "sign", "mark",
	"write", "compose", "type", "enter", "fill", "format", "clean",
	"sort", "filter", "merge", "split", "combine", "compare", "convert",
	"track", "monitor", "follow", "watch", "log", "record", "count",
	"help", "fix", "resolve", "handle", "process", "manage", "organize",
	"plan", "setup", "configure", "install", "test", "debug", "deploy",
	"look", "see", "try", "use", "take", "give", "tell", "say", "go",
	"needed", "wanted", "asked", "called", "named", "based", "related",
	"included", "attached", "mentioned", "discussed", "scheduled",
	"reach", "reached", "include", "inform", "informed",
	"call", "meet", "text", "ping", "ask", "invite", "contact", "notify", "remind",
	// family words that stand in for a name
	"mom", "mum", "dad", "grandma", "grandpa",
	// adjectives and modifiers
	"shared", "private", "public", "personal", "important", "urgent",
	"available", "free", "busy", "closed", "pending", "done",
	"old", "good", "bad", "big", "small", "long", "short", "full", "empty",
	"first", "second", "third", "other", "same", "different", "main",
	"whole", "entire", "current", "previous", "original", "final",
	"quick", "fast", "slow", "early", "late", "ready", "sure", "right",
	// org suffixes
	"corp", "corporation", "inc", "llc", "ltd", "enterprises",
	"technologies", "tech", "labs", "studio", "studios", "solutions",
	"partners", "capital", "ventures", "foundation", "institute",
	"university", "bank", "global", "international",
	// pronouns and function words
	"me", "my", "him", "her", "his", "them", "their", "the", "a", "an",
	"this", "that", "it", "about", "and", "for", "with", "from", "who",
	"is", "are", "was", "were", "be", "been", "being", "have", "has",
	"he", "she", "we", "they", "us", "our", "its", "you", "your",
	"i", "am", "had", "having",
	"to", "in", "on", "at", "by", "of", "up", "out", "off", "into",
	"over", "after", "before", "between", "through", "during", "until",
	"or", "but", "so", "yet", "nor", "if", "then", "also", "just",
	"not", "no", "all", "any", "some", "each", "every", "both",
	"please", "can", "could", "would", "should", "will", "shall",
	"do", "does", "did", "get", "got", "let", "make", "know", "need",
	"want", "like", "new", "latest", "recent", "last", "next", "upcoming",
	// apps and services
	"whatsapp", "slack", "gmail", "outlook", "google", "microsoft",
	"zoom", "teams", "skype", "discord", "telegram",
	"linkup", "acme", "inbox", "folder",
)

func setOf(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// IsStopWord reports whether w (any case) is in the stop-word vocabulary.
func IsStopWord(w string) bool {
	_, ok := stopWords[strings.ToLower(w)]
	return ok
}
