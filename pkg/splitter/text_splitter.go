package splitter

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Default window sizes in characters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// TextSplitter wraps the langchaingo recursive character splitter
type TextSplitter struct {
	splitter textsplitter.TextSplitter
}

// NewRecursiveCharacterTextSplitter creates a new recursive character text splitter.
// Non-positive sizes fall back to the defaults and the overlap is kept below
// the chunk size.
func NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = min(DefaultChunkOverlap, chunkSize/2)
	}
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	return &TextSplitter{splitter: ts}
}

// SplitText splits text into chunks, dropping blank ones.
func (ts *TextSplitter) SplitText(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	chunks, err := ts.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// Window is one chunk of a source document.
type Window struct {
	// Doc is the index of the source document.
	Doc int
	// Seq is the position of the window within its document.
	Seq  int
	Text string
}

// SplitDocuments windows every text and keeps track of where each window
// came from. A text that fails to split becomes a single window.
func (ts *TextSplitter) SplitDocuments(texts []string) []Window {
	var windows []Window
	for i, text := range texts {
		chunks, err := ts.SplitText(text)
		if err != nil {
			chunks = []string{text}
		}
		for j, c := range chunks {
			windows = append(windows, Window{Doc: i, Seq: j, Text: c})
		}
	}
	return windows
}
