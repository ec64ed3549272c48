package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestTextEmptyInput(t *testing.T) {
	got, err := Text(nil)
	if err != nil {
		t.Fatalf("expected no error for empty input, got %v", err)
	}
	if got != "" {
		t.Errorf("expected empty text, got %q", got)
	}
}

func TestTextCorruptInput(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"not a pdf", []byte("hello, this is plain text")},
		{"truncated header", []byte("%PDF-1.4")},
		{"binary garbage", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Text(tt.content)
			if !errors.Is(err, ErrExtraction) {
				t.Errorf("expected ErrExtraction, got %v", err)
			}
		})
	}
}

func TestWritePage(t *testing.T) {
	var b strings.Builder
	writePage(&b, 1, "  first page text \n")
	writePage(&b, 3, "third page text")

	got := b.String()
	want := "[Page 1]\nfirst page text\n\n[Page 3]\nthird page text"
	if got != want {
		t.Errorf("unexpected page formatting:\ngot:  %q\nwant: %q", got, want)
	}
}
