package domain

import (
	"errors"
	"fmt"
)

// Document is a decoded statement document.
// Implementations are read-only once opened.
type Document interface {
	// PageCount returns the number of pages.
	PageCount() int

	// PageHasAnnotations reports whether page i (zero-based) carries annotation objects.
	PageHasAnnotations(i int) bool

	// Timestamps returns the raw creation and modification dates.
	// An empty string means the value is absent.
	Timestamps() (created, modified string)

	// Fonts returns the distinct font names used by any character on any page.
	Fonts() []string

	// Text returns the text of all pages in page order, newline separated.
	Text() (string, error)

	// Lifecycle
	Close() error
}

// ErrDocumentUnreadable is matched by every DocumentReadError.
var ErrDocumentUnreadable = errors.New("document unreadable")

// DocumentReadError reports a document that could not be opened, decoded or read.
// It is the only fatal error of an analysis.
type DocumentReadError struct {
	Op  string // "open", "decode", "text"
	Err error
}

func (e *DocumentReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("document %s failed", e.Op)
	}
	return fmt.Sprintf("document %s failed: %v", e.Op, e.Err)
}

func (e *DocumentReadError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDocumentUnreadable) match any read error.
func (e *DocumentReadError) Is(target error) bool {
	return target == ErrDocumentUnreadable
}

// NewDocumentReadError wraps err for the given operation.
func NewDocumentReadError(op string, err error) *DocumentReadError {
	return &DocumentReadError{Op: op, Err: err}
}
