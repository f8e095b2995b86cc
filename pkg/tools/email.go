package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const sampleInvestorEmail = "From: investor@acmecorp.com\n" +
	"To: user@example.com\n" +
	"Subject: Partnership Opportunity with Acme Corp\n" +
	"Date: Mon, 10 Feb 2026 09:00:00 +0000\n" +
	"\n" +
	"Hi,\n\n" +
	"I'm reaching out from Acme Corp regarding a potential partnership.\n" +
	"We recently closed our Series B and are looking to collaborate with\n" +
	"innovative teams in your space.\n\n" +
	"Could we schedule a call this week?\n\n" +
	"Best,\n" +
	"Jane Doe\nVP Partnerships, Acme Corp\n"

// EmailSummary is one entry of list_emails.
type EmailSummary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
}

// Email is the full content returned by read_email.
type Email struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Body    string `json:"body"`
}

// Draft is the data returned by draft_reply.
type Draft struct {
	Message string `json:"message"`
	EMLFile string `json:"eml_file"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailbox serves a flat directory of .eml files and writes drafts next to it.
type Mailbox struct {
	dir       string
	draftsDir string
	from      string
	now       func() time.Time
	logger    zerolog.Logger
	decoder   *mime.WordDecoder
}

// NewMailbox prepares the mailbox directories and seeds the sample message
// when cfg.SeedDemo is set.
func NewMailbox(cfg config.EmailConfig, now func() time.Time, logger zerolog.Logger) (*Mailbox, error) {
	if cfg.MailboxDir == "" || cfg.DraftsDir == "" {
		return nil, fmt.Errorf("mailbox and drafts directories are required")
	}
	if now == nil {
		now = time.Now
	}
	for _, dir := range []string{cfg.MailboxDir, cfg.DraftsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	if cfg.SeedDemo {
		sample := filepath.Join(cfg.MailboxDir, "sample_investor.eml")
		if _, err := os.Stat(sample); os.IsNotExist(err) {
			if err := os.WriteFile(sample, []byte(sampleInvestorEmail), 0644); err != nil {
				return nil, err
			}
		}
	}

	from := cfg.FromAddress
	if from == "" {
		from = "user@desktop-agent.local"
	}
	return &Mailbox{
		dir:       cfg.MailboxDir,
		draftsDir: cfg.DraftsDir,
		from:      from,
		now:       now,
		logger:    logger.With().Str("component", "mailbox").Logger(),
		decoder:   new(mime.WordDecoder),
	}, nil
}

// Definitions returns list_emails, read_email and draft_reply.
func (m *Mailbox) Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "list_emails",
			Description: "List recent emails in the inbox. Returns subject, sender, date for each.",
			Category:    toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "limit", Type: "integer", Description: "Max emails to return (default 10).", Default: 10},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				emails, err := m.List(toolexecutor.IntParam(params, "limit", 10))
				if err != nil {
					return nil, err
				}
				return indentJSON(emails)
			},
		},
		{
			Name:        "read_email",
			Description: "Read the full contents of an email by its ID.",
			Category:    toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "email_id", Type: "string", Description: "ID of the email to read.", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				msg, err := m.Read(toolexecutor.StringParam(params, "email_id", ""))
				if err != nil {
					return nil, err
				}
				return indentJSON(msg)
			},
		},
		{
			Name: "draft_reply",
			Description: "Save a draft email to the local drafts folder and return the content. " +
				"CRITICAL: Write the COMPLETE, FINAL email body in the 'body' parameter. " +
				"This is the ONLY version of the email. Whatever you put here is exactly " +
				"what gets saved as the .eml file and shown to the user. " +
				"Include a proper greeting, all details, bullet points if needed, and a sign-off. " +
				"Do NOT write a short summary; write the full professional email. " +
				"Do NOT include 'Subject:' or email headers in the body.",
			Category: toolexecutor.CategoryWrite,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "to", Type: "string", Description: "Recipient name or email address.", Required: true},
				{Name: "subject", Type: "string", Description: "Email subject line (DO NOT repeat this in the body).", Required: true},
				{Name: "body", Type: "string", Required: true, Description: "The COMPLETE email body, saved as-is to the .eml file. " +
					"Write a full, professional, well-structured email with greeting, details and sign-off. " +
					"Use \\n for line breaks. Use * for bullet points. Do NOT include a Subject line or headers. No HTML tags."},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				draft, err := m.Draft(
					toolexecutor.StringParam(params, "to", ""),
					toolexecutor.StringParam(params, "subject", ""),
					stringParamRaw(params, "body"),
				)
				if err != nil {
					return nil, err
				}
				data, err := json.Marshal(draft)
				if err != nil {
					return nil, err
				}
				label := draft.Subject
				if label == "" {
					label = "Email Draft"
				}
				return toolexecutor.Output{
					Data: string(data),
					GeneratedFiles: []toolexecutor.GeneratedFile{{
						Type:    "mailto",
						Path:    draft.EMLFile,
						Label:   label,
						To:      draft.To,
						Subject: draft.Subject,
						Body:    draft.Body,
					}},
				}, nil
			},
		},
	}
}

// List returns up to limit messages, ordered by file name.
func (m *Mailbox) List(limit int) ([]EmailSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	paths, err := filepath.Glob(filepath.Join(m.dir, "*.eml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) > limit {
		paths = paths[:limit]
	}

	emails := make([]EmailSummary, 0, len(paths))
	for _, p := range paths {
		msg, err := m.parse(p)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", filepath.Base(p)).Msg("Skipping unreadable email")
			continue
		}
		emails = append(emails, EmailSummary{
			ID:      strings.TrimSuffix(filepath.Base(p), ".eml"),
			From:    m.header(msg, "From"),
			Subject: m.header(msg, "Subject"),
			Date:    m.header(msg, "Date"),
		})
	}
	return emails, nil
}

// Read returns the message with the given id (its file stem).
func (m *Mailbox) Read(id string) (*Email, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, fmt.Errorf("Email '%s' not found.", id)
	}
	path := filepath.Join(m.dir, id+".eml")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("Email '%s' not found.", id)
	}
	msg, err := m.parse(path)
	if err != nil {
		return nil, err
	}
	body, err := plainTextBody(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", id, err)
	}
	return &Email{
		From:    m.header(msg, "From"),
		To:      m.header(msg, "To"),
		Subject: m.header(msg, "Subject"),
		Date:    m.header(msg, "Date"),
		Body:    body,
	}, nil
}

// Draft cleans the body and writes a multipart/alternative .eml draft.
func (m *Mailbox) Draft(to, subject, body string) (*Draft, error) {
	subject = cleanSubject(subject)
	body = CleanDraftBody(body, subject)

	now := m.now()
	path := filepath.Join(m.draftsDir, artifactName("draft", ".eml", now))
	raw, err := buildDraftEML(m.from, to, subject, body, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build draft: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to write draft: %w", err)
	}
	m.logger.Info().Str("file", filepath.Base(path)).Msg("Draft saved")

	return &Draft{
		Message: "Draft email saved successfully.",
		EMLFile: path,
		To:      to,
		Subject: subject,
		Body:    body,
	}, nil
}

func (m *Mailbox) parse(path string) (*mail.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return mail.ReadMessage(bytes.NewReader(data))
}

func (m *Mailbox) header(msg *mail.Message, key string) string {
	value := msg.Header.Get(key)
	if decoded, err := m.decoder.DecodeHeader(value); err == nil {
		return decoded
	}
	return value
}

// plainTextBody returns the first text/plain part of msg, decoding any
// transfer encoding.
func plainTextBody(msg *mail.Message) (string, error) {
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	return textFromPart(msg.Body, mediaType, params, msg.Header.Get("Content-Transfer-Encoding"))
}

func textFromPart(r io.Reader, mediaType string, params map[string]string, encoding string) (string, error) {
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			pt, pp, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if err != nil {
				pt = "text/plain"
			}
			if pt != "text/plain" && !strings.HasPrefix(pt, "multipart/") {
				continue
			}
			text, err := textFromPart(part, pt, pp, part.Header.Get("Content-Transfer-Encoding"))
			if err != nil {
				return "", err
			}
			if text != "" {
				return text, nil
			}
		}
	}
	if mediaType != "text/plain" {
		return "", nil
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

// buildDraftEML renders a multipart/alternative message with CRLF line endings.
func buildDraftEML(from, to, subject, body string, date time.Time) ([]byte, error) {
	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)

	alternatives := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", body},
		{"text/html; charset=utf-8", TextToHTML(body)},
	}
	for _, alt := range alternatives {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", alt.contentType)
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(alt.content)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", mime.QEncoding.Encode("utf-8", to))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", date.Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	msg.Write(parts.Bytes())

	normalized := bytes.ReplaceAll(msg.Bytes(), []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n")), nil
}

func indentJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stringParamRaw returns a string argument without trimming, so draft bodies
// keep their layout until cleaning.
func stringParamRaw(params map[string]interface{}, name string) string {
	if s, ok := params[name].(string); ok {
		return s
	}
	return toolexecutor.StringParam(params, name, "")
}
