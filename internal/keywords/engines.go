package keywords

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/lecseg/internal/media"
)

// Tesseract runs the tesseract CLI, feeding the image on stdin.
type Tesseract struct {
	path   string
	runner media.Runner
}

// NewTesseract creates a Tesseract OCR engine. An empty path uses "tesseract".
func NewTesseract(path string, runner media.Runner) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &Tesseract{path: path, runner: runner}
}

func (t *Tesseract) Recognize(ctx context.Context, png []byte, lang string) (string, error) {
	out, err := t.runner.Run(ctx, bytes.NewReader(png), t.path, "stdin", "stdout", "-l", lang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return string(out), nil
}

// MeCab runs the mecab CLI and parses its default output format:
// one "surface\tfeature,feature,..." line per morpheme and "EOS" per sentence.
type MeCab struct {
	path   string
	args   []string
	runner media.Runner
}

// NewMeCab creates a MeCab tokenizer. Extra args (e.g. "-d", dicdir) are
// passed through.
func NewMeCab(path string, runner media.Runner, args ...string) *MeCab {
	if path == "" {
		path = "mecab"
	}
	if runner == nil {
		runner = media.ExecRunner{}
	}
	return &MeCab{path: path, args: args, runner: runner}
}

func (m *MeCab) Tokenize(ctx context.Context, text string) ([]Token, error) {
	out, err := m.runner.Run(ctx, strings.NewReader(text+"\n"), m.path, m.args...)
	if err != nil {
		return nil, fmt.Errorf("mecab: %w", err)
	}
	return ParseMeCab(string(out)), nil
}

// ParseMeCab parses mecab's default lattice output.
func ParseMeCab(out string) []Token {
	var tokens []Token
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line == "EOS" {
			continue
		}
		surface, feature, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		tokens = append(tokens, Token{
			Surface:  surface,
			Features: strings.Split(feature, ","),
		})
	}
	return tokens
}
