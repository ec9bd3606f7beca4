package encoder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"

	"github.com/endomatch/trialmatch/pkg/vectors"
)

// MockClient implements Client for tests. It generates deterministic normalized
// vectors from the input text hash, so equal texts always encode identically
// and distinct texts almost never collide.
type MockClient struct {
	dimensions int
	calls      atomic.Int64
}

// NewMockClient creates a mock embedding client with the given dimensions.
func NewMockClient(dimensions int) *MockClient {
	return &MockClient{dimensions: dimensions}
}

// Model returns the mock model identifier.
func (c *MockClient) Model() string {
	return "mock"
}

// Calls returns how many times CreateEmbedding has been invoked.
func (c *MockClient) Calls() int {
	return int(c.calls.Load())
}

// CreateEmbedding generates a deterministic embedding from the text hash.
func (c *MockClient) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	c.calls.Add(1)

	hash := sha256.Sum256([]byte(text))
	embedding := make([]float32, c.dimensions)

	for i := 0; i < c.dimensions; i++ {
		byteIdx := i % len(hash)
		if i > 0 && byteIdx == 0 {
			// Re-hash on wrap so the vector is not periodic.
			hash = sha256.Sum256(hash[:])
		}
		// Hash bytes mapped into [-1, 1].
		embedding[i] = (float32(hash[byteIdx]) / 127.5) - 1.0
	}

	vectors.NormalizeL2(embedding)

	return embedding, nil
}

// TokenMockClient implements Client for tests that care about similarity, not
// just identity. It hashes each lowercase token into a bucket, so texts sharing
// words encode to nearby vectors and unrelated texts stay far apart.
type TokenMockClient struct {
	dimensions int
	calls      atomic.Int64
}

// NewTokenMockClient creates a bag-of-words mock client with the given dimensions.
func NewTokenMockClient(dimensions int) *TokenMockClient {
	return &TokenMockClient{dimensions: dimensions}
}

// Model returns the mock model identifier.
func (c *TokenMockClient) Model() string {
	return "token-mock"
}

// Calls returns how many times CreateEmbedding has been invoked.
func (c *TokenMockClient) Calls() int {
	return int(c.calls.Load())
}

// CreateEmbedding builds a normalized bag-of-words vector over hashed tokens.
func (c *TokenMockClient) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	c.calls.Add(1)

	embedding := make([]float32, c.dimensions)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		embedding[int(h.Sum32())%c.dimensions]++
	}

	vectors.NormalizeL2(embedding)

	return embedding, nil
}
