// Package pdftest writes small, valid PDF files for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

// Page describes one page: text lines top to bottom and whether it
// carries an annotation.
type Page struct {
	Lines     []string
	Annotated bool
}

// Doc describes a document to build.
type Doc struct {
	Pages        []Page
	CreationDate string // raw, e.g. "D:20250301120000Z"; empty omits it
	ModDate      string
	// Fonts are base font names; line i of every page uses Fonts[i%len(Fonts)].
	// Defaults to Helvetica.
	Fonts []string
}

// Lines builds a one-page document from text lines.
func Lines(lines ...string) Doc {
	return Doc{Pages: []Page{{Lines: lines}}}
}

type writer struct {
	buf     bytes.Buffer
	offsets []int
}

// reserve allocates the next object number.
func (w *writer) reserve() int {
	w.offsets = append(w.offsets, 0)
	return len(w.offsets)
}

func (w *writer) object(num int, body string) {
	w.offsets[num-1] = w.buf.Len()
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

// Build renders doc as PDF bytes.
func Build(doc Doc) []byte {
	fonts := doc.Fonts
	if len(fonts) == 0 {
		fonts = []string{"Helvetica"}
	}

	w := &writer{}
	w.buf.WriteString("%PDF-1.4\n")

	catalog := w.reserve()
	pages := w.reserve()

	fontRefs := make([]int, len(fonts))
	for i := range fonts {
		fontRefs[i] = w.reserve()
	}

	pageRefs := make([]int, len(doc.Pages))
	contentRefs := make([]int, len(doc.Pages))
	annotRefs := make([]int, len(doc.Pages))
	for i, p := range doc.Pages {
		pageRefs[i] = w.reserve()
		contentRefs[i] = w.reserve()
		if p.Annotated {
			annotRefs[i] = w.reserve()
		}
	}

	info := 0
	if doc.CreationDate != "" || doc.ModDate != "" {
		info = w.reserve()
	}

	w.object(catalog, "<< /Type /Catalog /Pages "+ref(pages)+" >>")

	kids := make([]string, len(pageRefs))
	for i, r := range pageRefs {
		kids[i] = ref(r)
	}
	w.object(pages, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pageRefs)))

	var fontDict strings.Builder
	for i, name := range fonts {
		w.object(fontRefs[i], fmt.Sprintf("<< /Type /Font /Subtype /Type1 /BaseFont /%s /Encoding /WinAnsiEncoding >>", name))
		fmt.Fprintf(&fontDict, "/F%d %s ", i+1, ref(fontRefs[i]))
	}

	for i, p := range doc.Pages {
		annots := ""
		if p.Annotated {
			annots = " /Annots [" + ref(annotRefs[i]) + "]"
		}
		w.object(pageRefs[i], fmt.Sprintf(
			"<< /Type /Page /Parent %s /MediaBox [0 0 612 792] /Resources << /Font << %s>> >> /Contents %s%s >>",
			ref(pages), fontDict.String(), ref(contentRefs[i]), annots,
		))

		stream := content(p.Lines, len(fonts))
		w.object(contentRefs[i], fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))

		if p.Annotated {
			w.object(annotRefs[i], "<< /Type /Annot /Subtype /Text /Rect [10 10 30 30] /Contents (note) >>")
		}
	}

	if info != 0 {
		var d strings.Builder
		d.WriteString("<< ")
		if doc.CreationDate != "" {
			d.WriteString("/CreationDate (" + escape(doc.CreationDate) + ") ")
		}
		if doc.ModDate != "" {
			d.WriteString("/ModDate (" + escape(doc.ModDate) + ") ")
		}
		d.WriteString(">>")
		w.object(info, d.String())
	}

	xref := w.buf.Len()
	fmt.Fprintf(&w.buf, "xref\n0 %d\n", len(w.offsets)+1)
	w.buf.WriteString("0000000000 65535 f \n")
	for _, off := range w.offsets {
		fmt.Fprintf(&w.buf, "%010d 00000 n \n", off)
	}

	trailer := fmt.Sprintf("<< /Size %d /Root %s", len(w.offsets)+1, ref(catalog))
	if info != 0 {
		trailer += " /Info " + ref(info)
	}
	trailer += " >>"
	fmt.Fprintf(&w.buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, xref)

	return w.buf.Bytes()
}

func content(lines []string, fonts int) string {
	var b strings.Builder
	for i, line := range lines {
		y := 740 - 16*i
		fmt.Fprintf(&b, "BT /F%d 12 Tf 50 %d Td (%s) Tj ET\n", i%fonts+1, y, escape(line))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func ref(n int) string {
	return fmt.Sprintf("%d 0 R", n)
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
