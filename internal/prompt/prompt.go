package prompt

import (
	"errors"
	"strings"
	"unicode/utf8"

	"pdfchat/internal/session"
)

// ErrEmptyQuestion is returned when the question is blank after trimming.
var ErrEmptyQuestion = errors.New("question is empty")

// TruncationMarker is inserted where document context was cut out.
const TruncationMarker = "\n[... middle of documents truncated ...]\n"

const (
	defaultMaxContextChars = 12000

	systemInstruction = "You are an assistant that answers questions about the provided documents. " +
		"Base your answers on the document content; if the information is not in the documents, say so."

	noDocumentsNote = "No documents have been provided. Tell the user that no document context is available " +
		"if their question requires it."
)

// Options controls prompt assembly.
type Options struct {
	// MaxContextChars bounds the combined document text, truncation marker
	// included. Zero or negative selects the default.
	MaxContextChars int
	// HistoryTurns is the number of trailing conversation turns included.
	HistoryTurns int
}

// Build assembles one prompt from the corpus, the trailing conversation
// window, and the question. It is pure: identical inputs produce an
// identical string. The document section never exceeds MaxContextChars;
// oversized corpora are truncated in the middle so both the opening and
// closing content survive.
func Build(corpus []session.Document, history []session.Turn, question string, opts Options) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = defaultMaxContextChars
	}

	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\n")

	if len(corpus) == 0 {
		b.WriteString(noDocumentsNote)
		b.WriteString("\n\n")
	} else {
		b.WriteString("DOCUMENTS:\n")
		b.WriteString(truncateMiddle(joinCorpus(corpus), opts.MaxContextChars))
		b.WriteString("\n\n")
	}

	if tail := tailTurns(history, opts.HistoryTurns); len(tail) > 0 {
		b.WriteString("CONVERSATION SO FAR:\n")
		for _, t := range tail {
			b.WriteString(strings.ToUpper(string(t.Role)))
			b.WriteString(": ")
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("QUESTION: ")
	b.WriteString(question)
	b.WriteString("\n\nANSWER:")
	return b.String(), nil
}

// joinCorpus concatenates document texts in upload order with a per-document
// header so the model can attribute content to filenames.
func joinCorpus(corpus []session.Document) string {
	var b strings.Builder
	for i, doc := range corpus {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("--- ")
		b.WriteString(doc.Filename)
		b.WriteString(" ---\n")
		b.WriteString(doc.Text)
	}
	return b.String()
}

// truncateMiddle bounds text to max characters. When the text is too long
// it keeps a head and tail window joined by TruncationMarker; the result,
// marker included, never exceeds max. Cut points back off to rune
// boundaries so the windows stay valid UTF-8.
func truncateMiddle(text string, max int) string {
	if len(text) <= max {
		return text
	}
	budget := max - len(TruncationMarker)
	if budget <= 0 {
		// Degenerate limit: nothing but the marker fits.
		return TruncationMarker[:max]
	}
	head := budget * 6 / 10
	for head > 0 && !utf8.RuneStart(text[head]) {
		head--
	}
	cut := len(text) - (budget - head)
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return text[:head] + TruncationMarker + text[cut:]
}

func tailTurns(history []session.Turn, k int) []session.Turn {
	if k <= 0 || len(history) == 0 {
		return nil
	}
	if k >= len(history) {
		return history
	}
	return history[len(history)-k:]
}
