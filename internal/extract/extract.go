package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrExtraction is returned for corrupt or unreadable PDF bytes.
var ErrExtraction = errors.New("failed to extract text from pdf")

// Text pulls plain text out of raw PDF bytes, prefixing each page with a
// [Page N] marker so answers can cite locations. Pages that fail to parse
// are skipped. Empty input and PDFs without extractable text yield empty
// text, not an error.
func Text(content []byte) (text string, err error) {
	if len(content) == 0 {
		return "", nil
	}
	// The pdf package panics on some malformed files; corrupt input must
	// surface as ErrExtraction, not a crash.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: %v", ErrExtraction, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	var b strings.Builder
	numPages := reader.NumPage()
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(pageText) == "" {
			continue
		}
		writePage(&b, pageNum, pageText)
	}
	return strings.TrimSpace(b.String()), nil
}

func writePage(b *strings.Builder, pageNum int, text string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(b, "[Page %d]\n", pageNum)
	b.WriteString(strings.TrimSpace(text))
}
