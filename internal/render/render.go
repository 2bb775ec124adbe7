// Package render turns a conversation history into the HTML fragment shown
// to the user.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/ashureev/yai/internal/domain"
	"github.com/ashureev/yai/web"
)

const itemTemplate = "item.html"

// Rendered is a history entry with its answer converted to HTML.
type Rendered struct {
	Question string
	Answer   template.HTML
}

// Renderer converts answers from Markdown and executes the history template.
// It holds no per-call state and is safe for concurrent use.
type Renderer struct {
	md   goldmark.Markdown
	tmpl *template.Template
}

// New creates a Renderer using the embedded history template.
func New() (*Renderer, error) {
	tmpl, err := template.ParseFS(web.Templates, "templates/"+itemTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse history template: %w", err)
	}
	return NewWithTemplate(tmpl), nil
}

// NewWithTemplate creates a Renderer that executes the "item.html" template
// defined in tmpl.
func NewWithTemplate(tmpl *template.Template) *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		tmpl: tmpl,
	}
}

// Markdown converts src to HTML. Raw HTML in src is not passed through.
func (r *Renderer) Markdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src)) //nolint:gosec // escaped above
	}
	return template.HTML(buf.String()) //nolint:gosec // goldmark omits raw HTML by default
}

// Apply renders every answer in entries, preserving order. entries is not
// modified.
func (r *Renderer) Apply(entries []domain.HistoryEntry) []Rendered {
	out := make([]Rendered, len(entries))
	for i, e := range entries {
		out[i] = Rendered{Question: e.Question, Answer: r.Markdown(e.Answer)}
	}
	return out
}

// Fragment renders entries through the history template.
func (r *Renderer) Fragment(entries []domain.HistoryEntry) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, itemTemplate, r.Apply(entries)); err != nil {
		return "", fmt.Errorf("execute history template: %w", err)
	}
	return buf.String(), nil
}

// SSEData makes a fragment safe to carry in a single SSE data line: line
// breaks are removed and surrounding whitespace trimmed.
func SSEData(fragment string) string {
	fragment = strings.ReplaceAll(fragment, "\r", "")
	fragment = strings.ReplaceAll(fragment, "\n", "")
	return strings.TrimSpace(fragment)
}
