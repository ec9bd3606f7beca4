// Package encoder turns free text into L2-normalized embedding vectors via a
// configured provider client. Encodings are deterministic for a fixed model
// version; every vector a caller stores should be stamped with Version() so
// later builds can tell which encoder produced it.
package encoder

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/endomatch/trialmatch/internal/matcherrors"
	"github.com/endomatch/trialmatch/pkg/vectors"
)

// MaxInputChars is the longest input Encode accepts, in runes. Callers indexing
// long documents truncate with TruncateToLimit before encoding.
const MaxInputChars = 8000

// Client is the provider-side embedding call. Satisfied by the openai,
// googleai, and ollama clients.
type Client interface {
	CreateEmbedding(ctx context.Context, input string) ([]float32, error)
	Model() string
}

// Encoder wraps a provider client with input validation, dimension checking,
// and L2 normalization. It holds no mutable state and is safe for concurrent use.
type Encoder struct {
	client     Client
	provider   string
	dimensions int
}

// New creates an Encoder over the given provider client. The provider name
// becomes part of Version(); dimensions is the vector length every encoding
// must come back with.
func New(provider string, client Client, dimensions int) *Encoder {
	return &Encoder{
		client:     client,
		provider:   provider,
		dimensions: dimensions,
	}
}

// Dimensions returns the configured vector length D.
func (e *Encoder) Dimensions() int {
	return e.dimensions
}

// Version identifies the encoder as provider/model@dims. Vectors from different
// versions are never mixed in one index snapshot.
func (e *Encoder) Version() string {
	return fmt.Sprintf("%s/%s@%d", e.provider, e.client.Model(), e.dimensions)
}

// Encode returns the L2-normalized embedding for text. Fails with
// *matcherrors.EncodingError on empty input, input over MaxInputChars, or
// provider failure.
func (e *Encoder) Encode(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, matcherrors.NewEncodingError("input text is empty", nil)
	}

	if n := utf8.RuneCountInString(text); n > MaxInputChars {
		return nil, matcherrors.NewEncodingError(
			fmt.Sprintf("input is %d chars, max %d", n, MaxInputChars), nil)
	}

	vec, err := e.client.CreateEmbedding(ctx, text)
	if err != nil {
		return nil, matcherrors.NewEncodingError("embedding call failed", err)
	}

	if len(vec) != e.dimensions {
		return nil, matcherrors.NewEncodingError(
			fmt.Sprintf("provider returned %d dims, want %d", len(vec), e.dimensions), nil)
	}

	vectors.NormalizeL2(vec)

	return vec, nil
}

// TruncateToLimit clips text to MaxInputChars runes. Index builders use it to
// keep long eligibility documents encodable instead of skipping them.
func TruncateToLimit(text string) string {
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}

	runes := []rune(text)

	return string(runes[:MaxInputChars])
}
