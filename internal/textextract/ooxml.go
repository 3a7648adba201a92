package textextract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// extractDOCX and extractPPTX unzip the Office Open XML container and strip
// markup from the document/slide XML parts. No example repo in the corpus
// ships a docx/pptx-specific library (mscfb/msoleps cover the legacy OLE
// .doc/.xls binary format, not the zip-based OOXML formats), so the
// container is read with the standard library's archive/zip and regexp.
var xmlTagRe = regexp.MustCompile(`<[^>]+>`)

func stripXML(raw []byte) string {
	text := xmlTagRe.ReplaceAll(raw, []byte(" "))
	return strings.Join(strings.Fields(string(text)), " ")
}

func readZipPart(data []byte, name string) ([]byte, bool) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, false
	}
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, false
			}
			defer rc.Close()
			b, err := io.ReadAll(rc)
			if err != nil {
				return nil, false
			}
			return b, true
		}
	}
	return nil, false
}

func extractDOCX(data []byte) (Result, error) {
	raw, ok := readZipPart(data, "word/document.xml")
	if !ok {
		return Result{}, fmt.Errorf("docx: word/document.xml not found")
	}
	return Result{Text: stripXML(raw), DocType: "docx", Pages: 1}, nil
}

func extractPPTX(data []byte) (Result, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("opening PPTX: %w", err)
	}
	var slideNames []string
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slideNames = append(slideNames, f.Name)
		}
	}
	sort.Strings(slideNames)

	var sb strings.Builder
	for _, name := range slideNames {
		raw, ok := readZipPart(data, name)
		if !ok {
			continue
		}
		sb.WriteString(stripXML(raw))
		sb.WriteString("\n\n")
	}
	return Result{Text: strings.TrimSpace(sb.String()), DocType: "pptx", Pages: len(slideNames)}, nil
}
