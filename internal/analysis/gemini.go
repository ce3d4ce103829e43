package analysis

import (
	"context"
	"fmt"

	"allergen-scanner/internal/config"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// NewGeminiClient creates an analysis Client backed by the Gemini API.
func NewGeminiClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.GeminiModel)
	model.ResponseMIMEType = "application/json"

	return &Client{gen: &geminiGenerator{client: client, model: model}}, nil
}

// geminiGenerator sends one multimodal request to the Gemini model.
type geminiGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func (g *geminiGenerator) generate(ctx context.Context, prompt string, jpegImage []byte) (string, error) {
	var parts []genai.Part
	if len(jpegImage) > 0 {
		parts = append(parts, genai.ImageData("jpeg", jpegImage))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("generated content is not text")
	}
	return string(text), nil
}

func (g *geminiGenerator) close() error {
	return g.client.Close()
}
