package ingestion_engine

import (
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"

	"github.com/equitylens/equitylens/internal/core"
)

// pdfPageSource reads one page of plain text at a time from a local PDF
// file. The file stays open for the source's lifetime; individual page
// structures are released as soon as their text is extracted.
type pdfPageSource struct {
	file   *os.File
	reader *pdf.Reader
}

var _ core.PageSource = (*pdfPageSource)(nil)

// OpenPDF opens a PDF for page-by-page extraction.
func OpenPDF(path string) (core.PageSource, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &pdfPageSource{file: f, reader: r}, nil
}

func (s *pdfPageSource) PageCount() int {
	return s.reader.NumPage()
}

func (s *pdfPageSource) PageText(n int) (string, error) {
	p := s.reader.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extract page %d: %w", n, err)
	}
	return text, nil
}

func (s *pdfPageSource) Close() error {
	return s.file.Close()
}
