// Package textextract extracts {text, doc_type, pages, tables,
// ocr_applied, ocr_confidence} from raw bytes given a filename and a mime
// type. Selection order is explicit mime -> extension -> generic
// structured fallback -> OCR fallback when enabled, through a single
// Extract entry point that dispatches to per-format parsers.
package textextract

import (
	"bytes"
	"strings"
)

// Table is one extracted tabular region, rendered as markdown-pipe rows.
type Table struct {
	Heading string
	Rows    [][]string
}

// Result is the canonical extraction payload.
type Result struct {
	Text          string
	DocType       string
	Pages         int
	Tables        []Table
	OCRApplied    bool
	OCRConfidence float64
}

// OCR performs optical character recognition on page/image bytes. The
// ingestion coordinator supplies a concrete implementation (or nil to
// disable OCR); no OCR engine ships with this package itself.
type OCR interface {
	Recognize(data []byte) (text string, err error)
}

// Extract selects a parser by mime type, falling back to file extension,
// then a generic structured fallback, then OCR when enabled and the
// primary extraction produced no usable text.
func Extract(data []byte, filename, mime string, ocr OCR) Result {
	docType := classify(filename, mime)

	var res Result
	var err error
	switch docType {
	case "pdf":
		res, err = extractPDF(data)
	case "xlsx", "xls":
		res, err = extractXLSX(data)
	case "docx":
		res, err = extractDOCX(data)
	case "pptx":
		res, err = extractPPTX(data)
	case "html":
		res, err = extractHTML(data)
	case "text", "markdown", "csv", "json":
		res = extractPlainText(data)
	case "image":
		res = Result{DocType: "image"}
	default:
		res = extractGenericFallback(data)
	}
	if err != nil {
		// Fails soft: an extractor-level error is dropped here and the
		// pipeline continues with empty text of the guessed doc_type.
		res = Result{DocType: docType}
	}
	if res.DocType == "" {
		res.DocType = docType
	}

	if docType == "pdf" && strings.TrimSpace(res.Text) == "" && ocr != nil {
		if text, ocrErr := ocr.Recognize(data); ocrErr == nil {
			res.Text = text
			res.OCRApplied = true
			if strings.TrimSpace(text) != "" {
				res.OCRConfidence = 0.7
			} else {
				res.OCRConfidence = 0.0
			}
		}
	}

	if docType == "image" && ocr != nil {
		if text, ocrErr := ocr.Recognize(data); ocrErr == nil {
			res.Text = text
			res.OCRApplied = true
			if strings.TrimSpace(text) != "" {
				res.OCRConfidence = 0.6
			} else {
				res.OCRConfidence = 0.0
			}
		}
	}

	return res
}

func classify(filename, mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.Contains(mime, "pdf"):
		return "pdf"
	case strings.Contains(mime, "spreadsheet") || strings.Contains(mime, "excel"):
		return "xlsx"
	case strings.Contains(mime, "wordprocessingml"):
		return "docx"
	case strings.Contains(mime, "presentationml"):
		return "pptx"
	case strings.Contains(mime, "html"):
		return "html"
	case strings.Contains(mime, "json"):
		return "json"
	case strings.Contains(mime, "csv"):
		return "csv"
	case strings.Contains(mime, "markdown"):
		return "markdown"
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "text/"):
		return "text"
	}

	ext := strings.ToLower(extOf(filename))
	switch ext {
	case "pdf":
		return "pdf"
	case "xlsx", "xls":
		return "xlsx"
	case "docx":
		return "docx"
	case "pptx":
		return "pptx"
	case "html", "htm":
		return "html"
	case "json":
		return "json"
	case "csv":
		return "csv"
	case "md", "markdown":
		return "markdown"
	case "png", "jpg", "jpeg", "gif", "bmp", "tiff":
		return "image"
	case "txt":
		return "text"
	}
	return "binary"
}

func extOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i != -1 && i < len(filename)-1 {
		return filename[i+1:]
	}
	return ""
}

func extractPlainText(data []byte) Result {
	return Result{Text: string(data), DocType: "text", Pages: 1}
}

// extractGenericFallback handles unsupported/binary inputs: if the bytes
// look like printable text it is treated as plain text; otherwise it
// returns empty text with doc_type="binary".
func extractGenericFallback(data []byte) Result {
	if looksLikeText(data) {
		return Result{Text: string(data), DocType: "text", Pages: 1}
	}
	return Result{DocType: "binary"}
}

func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if bytes.ContainsRune(sample, 0) {
		return false
	}
	nonPrintable := 0
	for _, b := range sample {
		if b < 9 || (b > 13 && b < 32) {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(sample)) < 0.05
}
