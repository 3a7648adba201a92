package textextract

import (
	"bytes"
	"fmt"
	"net/url"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
)

// extractHTML strips boilerplate with go-readability, then converts the
// distilled article body to Markdown by chaining the two libraries.
func extractHTML(data []byte) (Result, error) {
	article, err := readability.FromReader(bytes.NewReader(data), &url.URL{})
	if err != nil {
		return Result{}, fmt.Errorf("readability: %w", err)
	}
	markdown, err := md.ConvertString(article.Content)
	if err != nil {
		markdown = article.TextContent
	}
	return Result{Text: markdown, DocType: "html", Pages: 1}, nil
}
