package googleai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

var (
	// ErrEmptyPrompt is returned when GenerateJSON is called with an empty prompt.
	ErrEmptyPrompt = errors.New("googleai: prompt is empty")
	// ErrNoCandidates is returned when the API response contains no candidates.
	ErrNoCandidates = errors.New("googleai: no candidates in response")
)

const defaultReasoningModel = "gemini-2.5-flash"

// Reasoner calls the Gemini generate-content API in JSON mode with temperature
// zero, so repeated calls with the same prompt are as stable as the model allows.
type Reasoner struct {
	client *genai.Client
	model  string
}

// ReasonerOption configures the Reasoner.
type ReasonerOption func(*Reasoner)

// WithReasoningModel sets the generation model name (e.g. gemini-2.5-flash). Empty uses default.
func WithReasoningModel(model string) ReasonerOption {
	return func(r *Reasoner) {
		if model != "" {
			r.model = model
		}
	}
}

// NewReasoner creates a Gemini structured-generation client.
func NewReasoner(ctx context.Context, apiKey string, opts ...ReasonerOption) (*Reasoner, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("googleai reasoner: %w", err)
	}

	reasoner := &Reasoner{
		client: genaiClient,
		model:  defaultReasoningModel,
	}
	for _, opt := range opts {
		opt(reasoner)
	}

	return reasoner, nil
}

// Model returns the generation model name in use.
func (r *Reasoner) Model() string {
	return r.model
}

// GenerateJSON sends the prompt and returns the raw text of the first candidate.
// The response is requested as application/json but is returned unparsed; callers
// own the schema and must treat unparseable output as a malformed response.
func (r *Reasoner) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoCandidates
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			out.WriteString(part.Text)
		}
	}

	if out.Len() == 0 {
		return "", ErrNoCandidates
	}

	return out.String(), nil
}
