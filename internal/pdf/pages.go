// Package pdfutil reads metadata out of stored PDF documents.
package pdfutil

import (
	"fmt"
	"io"

	pdf "github.com/ledongthuc/pdf"
)

// PageCount returns the number of pages in the PDF read from r.
func PageCount(r io.ReaderAt, size int64) (n int, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", rec)
		}
	}()
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("new pdf reader: %w", err)
	}
	return doc.NumPage(), nil
}
