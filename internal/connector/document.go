package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Document is an exported meeting note
type Document struct {
	Name        string
	ModifiedAt  time.Time
	ContentType string // text/html, text/markdown or text/plain
	Body        []byte
}

// DocumentSource finds meeting notes
type DocumentSource interface {
	// LatestDocument returns the most recent document whose name contains
	// nameContains (case-insensitive), or nil when none matches
	LatestDocument(ctx context.Context, nameContains string) (*Document, error)
}

// DocumentText returns the plain text of a document. HTML exports are
// stripped of scripts, styles and navigation chrome.
func DocumentText(doc *Document) (string, error) {
	if doc == nil {
		return "", nil
	}
	if doc.ContentType != "text/html" {
		return cleanWhitespace(string(doc.Body)), nil
	}

	html, err := goquery.NewDocumentFromReader(strings.NewReader(string(doc.Body)))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	html.Find("nav, footer, header, script, style, noscript").Remove()
	html.Find("br").ReplaceWithHtml("\n")
	html.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return cleanWhitespace(html.Find("body").Text()), nil
}

// cleanWhitespace trims every line and drops empty ones
func cleanWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

// DirDocumentSource reads meeting notes exported to a directory
type DirDocumentSource struct {
	Dir string
}

// LatestDocument picks the newest matching file by modification time
func (s *DirDocumentSource) LatestDocument(ctx context.Context, nameContains string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list meeting notes in %s: %w", s.Dir, err)
	}

	needle := strings.ToLower(nameContains)
	var best os.DirEntry
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(strings.ToLower(e.Name()), needle) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == nil || info.ModTime().After(bestTime) {
			best, bestTime = e, info.ModTime()
		}
	}
	if best == nil {
		return nil, nil
	}

	body, err := os.ReadFile(filepath.Join(s.Dir, best.Name()))
	if err != nil {
		return nil, fmt.Errorf("failed to read meeting note %s: %w", best.Name(), err)
	}
	return &Document{
		Name:        best.Name(),
		ModifiedAt:  bestTime,
		ContentType: contentType(best.Name()),
		Body:        body,
	}, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return "text/html"
	case ".md", ".markdown":
		return "text/markdown"
	default:
		return "text/plain"
	}
}
