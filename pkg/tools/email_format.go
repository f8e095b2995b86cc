package tools

import (
	"html"
	"regexp"
	"strings"
)

var (
	escapeReplacer = strings.NewReplacer(
		`\u2019`, "\u2019", `\u2018`, "\u2018",
		`\u201c`, "\u201c", `\u201d`, "\u201d",
		`\u2014`, "\u2014", `\u2013`, "\u2013",
	)

	brTagRe        = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlTagRe      = regexp.MustCompile(`<[^>]+>`)
	boldRe         = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe       = regexp.MustCompile(`(\s)\*([^*\n]+)\*([\s.,;:!?]|$)`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
	greetingRe     = regexp.MustCompile(`(?i)^(dear|hi|hello|hey|good morning|good afternoon)\b`)
	signoffRe      = regexp.MustCompile(`(?i)^(best|regards|sincerely|thanks|thank you|cheers|warm regards|kind regards|yours)`)
	bulletItemRe   = regexp.MustCompile(`^[*\-\x{2022}]\s+(.+)$`)
	numberedItemRe = regexp.MustCompile(`^\d+[.)]\s+(.+)$`)
)

func cleanSubject(subject string) string {
	subject = escapeReplacer.Replace(subject)
	return strings.TrimSpace(strings.ReplaceAll(subject, `\n`, " "))
}

// CleanDraftBody normalizes a model-written email body: escaped newlines and
// quotes are decoded, HTML and markdown emphasis are stripped, a repeated
// subject line is dropped, and paragraph spacing is fixed.
func CleanDraftBody(body, subject string) string {
	body = escapeReplacer.Replace(body)
	body = strings.ReplaceAll(body, `\n`, "\n")

	body = brTagRe.ReplaceAllString(body, "\n")
	body = htmlTagRe.ReplaceAllString(body, "")

	body = boldRe.ReplaceAllString(body, "$1")
	body = italicRe.ReplaceAllString(body, "${1}${2}${3}")

	if subject = strings.TrimSpace(subject); subject != "" {
		subjectLineRe := regexp.MustCompile(`(?im)^Subject\s*:\s*` + regexp.QuoteMeta(subject) + `\s*\n*`)
		body = subjectLineRe.ReplaceAllString(body, "")
		if trimmed := strings.TrimSpace(body); strings.HasPrefix(trimmed, subject) {
			body = strings.TrimLeft(trimmed[len(subject):], " ,.\n")
		}
	}

	return formatEmailBody(strings.TrimSpace(body))
}

// formatEmailBody puts a blank line after a greeting and before a sign-off,
// then collapses runs of blank lines.
func formatEmailBody(body string) string {
	lines := strings.Split(body, "\n")
	formatted := make([]string, 0, len(lines)+2)

	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		formatted = append(formatted, line)

		if greetingRe.MatchString(stripped) && strings.HasSuffix(stripped, ",") {
			if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
				formatted = append(formatted, "")
			}
		}

		if signoffRe.MatchString(stripped) {
			n := len(formatted)
			if n >= 2 && strings.TrimSpace(formatted[n-2]) != "" {
				formatted = append(formatted[:n-1], "", formatted[n-1])
			}
		}
	}

	result := blankRunRe.ReplaceAllString(strings.Join(formatted, "\n"), "\n\n")
	return strings.TrimSpace(result)
}

// TextToHTML renders a plain-text body as a small HTML document: blank lines
// separate paragraphs, "*"/"-" lines become <ul> items and "1." lines become
// <ol> items.
func TextToHTML(text string) string {
	var parts []string
	var paragraph []string
	inUL, inOL := false, false

	flushParagraph := func() {
		if len(paragraph) > 0 {
			parts = append(parts, "<p>"+strings.Join(paragraph, "<br>\n")+"</p>")
			paragraph = nil
		}
	}
	closeLists := func() {
		if inUL {
			parts = append(parts, "</ul>")
			inUL = false
		}
		if inOL {
			parts = append(parts, "</ol>")
			inOL = false
		}
	}

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			flushParagraph()
			closeLists()
			continue
		}

		if m := bulletItemRe.FindStringSubmatch(stripped); m != nil {
			flushParagraph()
			if inOL {
				parts = append(parts, "</ol>")
				inOL = false
			}
			if !inUL {
				parts = append(parts, "<ul>")
				inUL = true
			}
			parts = append(parts, "  <li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		if m := numberedItemRe.FindStringSubmatch(stripped); m != nil {
			flushParagraph()
			if inUL {
				parts = append(parts, "</ul>")
				inUL = false
			}
			if !inOL {
				parts = append(parts, "<ol>")
				inOL = true
			}
			parts = append(parts, "  <li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		closeLists()
		paragraph = append(paragraph, html.EscapeString(stripped))
	}
	flushParagraph()
	closeLists()

	return "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n" +
		"<body style=\"font-family: Calibri, Arial, sans-serif; font-size: 14px; color: #1a1a1a; line-height: 1.6; max-width: 680px;\">\n" +
		strings.Join(parts, "\n") +
		"\n</body>\n</html>"
}
