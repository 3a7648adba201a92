package textextract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOCR struct {
	text string
	err  error
}

func (f fakeOCR) Recognize([]byte) (string, error) { return f.text, f.err }

func TestClassifyByExtension(t *testing.T) {
	require.Equal(t, "pdf", classify("report.pdf", ""))
	require.Equal(t, "xlsx", classify("data.xlsx", ""))
	require.Equal(t, "text", classify("notes.txt", ""))
	require.Equal(t, "binary", classify("blob.dat", ""))
}

func TestExtractPlainText(t *testing.T) {
	res := Extract([]byte("hello world"), "a.txt", "text/plain", nil)
	require.Equal(t, "hello world", res.Text)
	require.Equal(t, "text", res.DocType)
}

func TestExtractBinaryNoOCRYieldsEmptyText(t *testing.T) {
	res := Extract([]byte{0x00, 0x01, 0x02, 0xff}, "blob.dat", "", nil)
	require.Equal(t, "binary", res.DocType)
	require.Empty(t, res.Text)
}

func TestExtractImageAppliesOCR(t *testing.T) {
	res := Extract([]byte{0x89, 0x50, 0x4e, 0x47}, "scan.png", "image/png", fakeOCR{text: "scanned text"})
	require.True(t, res.OCRApplied)
	require.Equal(t, 0.6, res.OCRConfidence)
	require.Equal(t, "scanned text", res.Text)
}

func TestExtractImageOCRFailureLeavesEmptyText(t *testing.T) {
	res := Extract([]byte{0x89, 0x50}, "scan.png", "image/png", fakeOCR{err: errors.New("ocr down")})
	require.False(t, res.OCRApplied)
	require.Empty(t, res.Text)
}
