package ingestion_engine

import (
	"fmt"
	"os"

	"code.sajari.com/docconv"

	"github.com/equitylens/equitylens/internal/core"
)

// docconvPageSource is the fallback for uploads without page structure
// (DOCX, HTML, plain text). docconv flattens the whole document into one
// body, exposed here as a single pseudo-page; downstream chunks record
// an unknown page for it.
type docconvPageSource struct {
	text string
}

var _ core.PageSource = (*docconvPageSource)(nil)

// OpenDocconv extracts a non-paginated document via docconv.
func OpenDocconv(path, contentType string) (core.PageSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	res, err := docconv.Convert(f, contentType, false)
	if err != nil {
		return nil, fmt.Errorf("docconv extract (%s): %w", contentType, err)
	}
	return &docconvPageSource{text: res.Body}, nil
}

func (s *docconvPageSource) PageCount() int { return 1 }

func (s *docconvPageSource) PageText(n int) (string, error) {
	if n != 1 {
		return "", fmt.Errorf("page %d out of range", n)
	}
	return s.text, nil
}

func (s *docconvPageSource) Close() error { return nil }
