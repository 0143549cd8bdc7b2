package document

import (
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryPage is one page of a Memory document.
type MemoryPage struct {
	Text      string
	Annotated bool
}

// Memory is an in-memory domain.Document built from already extracted content.
type Memory struct {
	Pages     []MemoryPage
	Created   string
	Modified  string
	FontNames []string

	// TextErr, when set, is returned by Text wrapped in a DocumentReadError.
	TextErr error

	closed bool
}

// FromText builds a single-page Memory document.
func FromText(text string) *Memory {
	return &Memory{Pages: []MemoryPage{{Text: text}}}
}

func (m *Memory) PageCount() int {
	return len(m.Pages)
}

func (m *Memory) PageHasAnnotations(i int) bool {
	if i < 0 || i >= len(m.Pages) {
		return false
	}
	return m.Pages[i].Annotated
}

func (m *Memory) Timestamps() (created, modified string) {
	return m.Created, m.Modified
}

// Fonts returns the distinct font names, sorted.
func (m *Memory) Fonts() []string {
	seen := make(map[string]struct{}, len(m.FontNames))
	out := make([]string, 0, len(m.FontNames))
	for _, f := range m.FontNames {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Text() (string, error) {
	if m.TextErr != nil {
		return "", domain.NewDocumentReadError("text", m.TextErr)
	}
	texts := make([]string, len(m.Pages))
	for i, p := range m.Pages {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n"), nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *Memory) Closed() bool {
	return m.closed
}
