package services

import (
	"regexp"
	"strconv"

	"github.com/equitylens/equitylens/internal/models"
)

// citationPattern matches the page portion of citation markers like
// [Acme FY24 - Page 3], [Page 7] or [Pages 2-5].
var citationPattern = regexp.MustCompile(`Pages?\s*(\d+)(?:\s*-\s*(\d+))?\s*\]`)

// extractCitations scans a generated answer for page citations and
// returns the subset of candidate citations actually referenced, in
// candidate (retrieval) order.
func extractCitations(answer string, candidates []models.Citation) []models.Citation {
	cited := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		start, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		end := start
		if m[2] != "" {
			if e, err := strconv.Atoi(m[2]); err == nil && e >= start {
				end = e
			}
		}
		for p := start; p <= end; p++ {
			cited[p] = true
		}
	}

	var referenced []models.Citation
	for _, c := range candidates {
		if cited[c.PageNumber] {
			referenced = append(referenced, c)
		}
	}
	return referenced
}
