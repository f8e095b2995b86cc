package tools

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

var documentExtensions = map[string]bool{".pdf": true, ".docx": true, ".txt": true, ".md": true}

// DocumentInfo is one entry of list_documents.
type DocumentInfo struct {
	Path   string  `json:"path"`
	Name   string  `json:"name"`
	SizeKB float64 `json:"size_kb"`
}

// Documents reads local documents below one directory.
type Documents struct {
	dir             string
	maxChars        int
	summaryMaxChars int
}

// NewDocuments creates the documents tool group.
func NewDocuments(cfg config.DocumentsConfig) *Documents {
	d := &Documents{dir: cfg.Directory, maxChars: cfg.MaxChars, summaryMaxChars: cfg.SummaryMaxChars}
	if d.maxChars <= 0 {
		d.maxChars = 8000
	}
	if d.summaryMaxChars <= 0 {
		d.summaryMaxChars = 6000
	}
	return d
}

// Definitions returns read_document, list_documents and summarize_document.
func (d *Documents) Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "read_document",
			Description: "Read and extract text content from a local document (DOCX, TXT, MD).",
			Category:    toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "File path of the document, relative to the documents folder or as returned by list_documents.", Required: true},
				{Name: "max_chars", Type: "integer", Description: "Truncate output to this many characters (default 8000).", Default: d.maxChars},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return d.Read(toolexecutor.StringParam(params, "path", ""), toolexecutor.IntParam(params, "max_chars", d.maxChars))
			},
		},
		{
			Name:        "list_documents",
			Description: "List available documents in the configured documents directory.",
			Category:    toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "Optional filename substring filter."},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				docs, err := d.List(toolexecutor.StringParam(params, "query", ""))
				if err != nil {
					return nil, err
				}
				return indentJSON(docs)
			},
		},
		{
			Name: "summarize_document",
			Description: "Extract text from a document and return it for summarization. " +
				"The agent will summarize the extracted content.",
			Category: toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "Path to the document to summarize.", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return d.Summarize(toolexecutor.StringParam(params, "path", ""))
			},
		},
	}
}

// Read returns the document text, cut at maxChars.
func (d *Documents) Read(path string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = d.maxChars
	}
	text, err := d.extract(path)
	if err != nil {
		return "", err
	}
	if cut, truncated := truncateRunes(text, maxChars); truncated {
		return cut + fmt.Sprintf("\n\n[...truncated at %d chars]", maxChars), nil
	}
	return text, nil
}

// Summarize returns the document text for the model to summarize.
func (d *Documents) Summarize(path string) (string, error) {
	text, err := d.extract(path)
	if err != nil {
		return "", err
	}
	if cut, truncated := truncateRunes(text, d.summaryMaxChars); truncated {
		text = cut + "\n\n[...truncated for summarization]"
	}
	return "Summarize the following document, highlighting its key points:\n\n" + text, nil
}

// List walks the documents directory. query filters on file name, case
// insensitively.
func (d *Documents) List(query string) ([]DocumentInfo, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))

	found := []DocumentInfo{}
	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if !documentExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if query != "" && !strings.Contains(strings.ToLower(entry.Name()), query) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		found = append(found, DocumentInfo{
			Path:   path,
			Name:   entry.Name(),
			SizeKB: math.Round(float64(info.Size())/1024*10) / 10,
		})
		return nil
	})
	return found, err
}

// resolve maps a model-supplied path into the documents directory. A path
// that does not exist as given falls back to its base name, since models
// often repeat a path with a different prefix.
func (d *Documents) resolve(path string) (string, error) {
	target, err := resolvePathInRoot(d.dir, path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	alt := filepath.Join(d.dir, filepath.Base(target))
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}
	return "", fmt.Errorf("File not found: %s", path)
}

func (d *Documents) extract(path string) (string, error) {
	target, err := d.resolve(path)
	if err != nil {
		return "", err
	}
	return ExtractText(target)
}

// ExtractText returns the plain text of a .txt, .md or .docx file.
func ExtractText(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.ToValidUTF8(string(data), "�"), nil
	case ".docx":
		return extractDOCX(path)
	default:
		return "", fmt.Errorf("Unsupported file type: %s", ext)
	}
}

// extractDOCX reads word/document.xml and joins the text runs of each
// non-empty paragraph with blank lines.
func extractDOCX(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer zr.Close()

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return "", err
			}
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("docx has no word/document.xml")
	}
	defer doc.Close()

	var paragraphs []string
	var current strings.Builder
	inText := false
	dec := xml.NewDecoder(doc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteString("\t")
			case "br":
				current.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := current.String(); strings.TrimSpace(text) != "" {
					paragraphs = append(paragraphs, text)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return strings.Join(paragraphs, "\n\n"), nil
}
