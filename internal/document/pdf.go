// Package document decodes statement documents into domain.Document values.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// PDF is a domain.Document backed by github.com/ledongthuc/pdf.
// Page structure and metadata are read on open; page content streams are
// decoded once, on the first call to Fonts or Text.
type PDF struct {
	reader    *pdf.Reader
	closer    io.Closer
	annotated []bool
	created   string
	modified  string

	contentOnce sync.Once
	fonts       []string
	text        string
	contentErr  error
}

// Open opens the PDF at path. The file stays open until Close.
func Open(path string) (*PDF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewDocumentReadError("open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, domain.NewDocumentReadError("open", err)
	}

	doc, err := newPDF(f, info.Size(), f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return doc, nil
}

// Load decodes a PDF held in memory.
func Load(data []byte) (*PDF, error) {
	if len(data) == 0 {
		return nil, domain.NewDocumentReadError("open", errors.New("empty document"))
	}
	return newPDF(bytes.NewReader(data), int64(len(data)), nil)
}

func newPDF(r io.ReaderAt, size int64, closer io.Closer) (doc *PDF, err error) {
	// The decoder panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			doc = nil
			err = domain.NewDocumentReadError("decode", fmt.Errorf("malformed pdf: %v", rec))
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, domain.NewDocumentReadError("decode", err)
	}

	n := reader.NumPage()
	annotated := make([]bool, n)
	for i := 0; i < n; i++ {
		annotated[i] = reader.Page(i+1).V.Key("Annots").Len() > 0
	}

	info := reader.Trailer().Key("Info")

	return &PDF{
		reader:    reader,
		closer:    closer,
		annotated: annotated,
		created:   info.Key("CreationDate").Text(),
		modified:  info.Key("ModDate").Text(),
	}, nil
}

// PageCount returns the number of pages.
func (d *PDF) PageCount() int {
	return len(d.annotated)
}

// PageHasAnnotations reports whether page i carries an /Annots array.
func (d *PDF) PageHasAnnotations(i int) bool {
	if i < 0 || i >= len(d.annotated) {
		return false
	}
	return d.annotated[i]
}

// Timestamps returns the raw /CreationDate and /ModDate strings.
func (d *PDF) Timestamps() (created, modified string) {
	return d.created, d.modified
}

// Fonts returns the distinct font names selected by page content, sorted.
// Subset tags such as "AAAAAA+" are kept, so two subsets of one family count twice.
// Returns nil if the page content could not be decoded.
func (d *PDF) Fonts() []string {
	d.decodeContent()
	return d.fonts
}

// Text returns the reconstructed text of all pages.
func (d *PDF) Text() (string, error) {
	d.decodeContent()
	if d.contentErr != nil {
		return "", d.contentErr
	}
	return d.text, nil
}

// Close releases the underlying file, if any.
func (d *PDF) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

func (d *PDF) decodeContent() {
	d.contentOnce.Do(func() {
		d.fonts, d.text, d.contentErr = d.readContent()
	})
}

func (d *PDF) readContent() (fonts []string, text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			fonts, text = nil, ""
			err = domain.NewDocumentReadError("text", fmt.Errorf("malformed page content: %v", rec))
		}
	}()

	seen := make(map[string]struct{})
	pages := make([]string, 0, len(d.annotated))

	for i := 1; i <= len(d.annotated); i++ {
		page := d.reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}

		glyphs := page.Content().Text
		for _, name := range pageFonts(page, glyphs) {
			seen[name] = struct{}{}
		}
		pages = append(pages, joinLines(glyphs))
	}

	fonts = make([]string, 0, len(seen))
	for name := range seen {
		fonts = append(fonts, name)
	}
	sort.Strings(fonts)

	return fonts, strings.Join(pages, "\n"), nil
}

// pageFonts returns the BaseFont names the page's content stream selects
// with Tf, subset tags included. Glyph font names, which the decoder reports
// with the tag stripped, stand in when no selection resolves.
func pageFonts(page pdf.Page, glyphs []pdf.Text) []string {
	var names []string
	pdf.Interpret(page.V.Key("Contents"), func(stk *pdf.Stack, op string) {
		args := make([]pdf.Value, stk.Len())
		for i := len(args) - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}
		if op != "Tf" || len(args) != 2 {
			return
		}
		if base := page.Font(args[0].Name()).BaseFont(); base != "" {
			names = append(names, base)
		}
	})
	if len(names) > 0 {
		return names
	}

	for _, g := range glyphs {
		if g.Font != "" {
			names = append(names, g.Font)
		}
	}
	return names
}

// joinLines rebuilds text lines from glyphs in content-stream order.
// A baseline change starts a new line; a horizontal gap wider than a
// fraction of the font size becomes a single space.
func joinLines(glyphs []pdf.Text) string {
	var b strings.Builder
	var prev *pdf.Text

	for i := range glyphs {
		g := &glyphs[i]
		if prev != nil {
			switch {
			case math.Abs(g.Y-prev.Y) > lineTolerance(prev):
				b.WriteByte('\n')
			case g.X-(prev.X+prev.W) > 0.25*prev.FontSize &&
				!strings.HasSuffix(prev.S, " ") && !strings.HasPrefix(g.S, " "):
				b.WriteByte(' ')
			}
		}
		b.WriteString(g.S)
		prev = g
	}
	return b.String()
}

func lineTolerance(t *pdf.Text) float64 {
	if t.FontSize > 0 {
		return t.FontSize / 2
	}
	return 1
}
