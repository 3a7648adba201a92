package textextract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF walks every page with ledongthuc/pdf and concatenates
// ordered text, grounded on bbiangul-go-reason's PDFParser.Parse.
func extractPDF(data []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("opening PDF: %w", err)
	}

	totalPages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(strings.TrimSpace(text))
		sb.WriteString("\n\n")
	}

	return Result{
		Text:    strings.TrimSpace(sb.String()),
		DocType: "pdf",
		Pages:   totalPages,
	}, nil
}
