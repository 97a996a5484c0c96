// Package tokens counts prompt tokens for budget packing.
package tokens

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when no encoding is configured or the configured
// one is unknown.
const DefaultEncoding = "cl100k_base"

// Counter reports the token length of a text. Implementations may call out
// to an LLM endpoint; every call gets a context.
type Counter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// TiktokenCounter counts tokens locally with a tiktoken encoding. The
// encoder is immutable after construction and safe for concurrent use.
type TiktokenCounter struct {
	encodingName string
	tke          *tiktoken.Tiktoken
}

var _ Counter = (*TiktokenCounter)(nil)

// NewTiktokenCounter creates a counter for the given model or encoding name,
// falling back to DefaultEncoding when the name is unknown.
func NewTiktokenCounter(modelOrEncoding string) (*TiktokenCounter, error) {
	if modelOrEncoding == "" {
		modelOrEncoding = DefaultEncoding
	}

	encodingName := modelOrEncoding
	tke, err := tiktoken.GetEncoding(modelOrEncoding)
	if err != nil {
		tke, err = tiktoken.EncodingForModel(modelOrEncoding)
		if err != nil {
			encodingName = DefaultEncoding
			tke, err = tiktoken.GetEncoding(DefaultEncoding)
			if err != nil {
				return nil, fmt.Errorf("get default encoding %q: %w", DefaultEncoding, err)
			}
		}
	}

	return &TiktokenCounter{encodingName: encodingName, tke: tke}, nil
}

// CountTokens counts the tokens in text using the configured encoding.
func (c *TiktokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	return len(c.tke.Encode(text, nil, nil)), nil
}

// Encoding returns the name of the encoding actually in use.
func (c *TiktokenCounter) Encoding() string {
	return c.encodingName
}
