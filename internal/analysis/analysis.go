package analysis

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
)

//go:embed screening_prompt.md
var screeningPrompt string

// RiskLevel is the tri-state severity of a label screening.
type RiskLevel string

const (
	RiskSafe    RiskLevel = "SAFE"
	RiskWarning RiskLevel = "WARNING"
	RiskDanger  RiskLevel = "DANGER"
)

// Valid reports whether the level is a member of the severity enum.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskSafe, RiskWarning, RiskDanger:
		return true
	}
	return false
}

// Result is one completed label screening. It is constructed fresh per
// request and never mutated; the next scan supersedes it.
type Result struct {
	RiskLevel         RiskLevel `json:"risk_level"`
	DetectedAllergens []string  `json:"detected_allergens"`
	Reasoning         string    `json:"reasoning"`
}

// ValidationError rejects a request before any remote call is made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RemoteError wraps a failed or malformed remote screening. The original
// cause is kept for diagnostics; users only ever see a generic message.
type RemoteError struct {
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("analysis service failure: %v", e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Analyzer screens a product label against the user's allergen list.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, jpegImage []byte, allergens []string) (*Result, error)
	AnalyzeText(ctx context.Context, labelText string, allergens []string) (*Result, error)
}

// generator executes a single multimodal request against the hosted model
// and returns its raw text output.
type generator interface {
	generate(ctx context.Context, prompt string, jpegImage []byte) (string, error)
	close() error
}

// Client is the Analyzer implementation over a hosted multimodal model.
type Client struct {
	gen generator
}

// AnalyzeImage screens a captured label photo. An empty allergen list is
// rejected up front with a ValidationError; no request is issued.
func (c *Client) AnalyzeImage(ctx context.Context, jpegImage []byte, allergens []string) (*Result, error) {
	if len(allergens) == 0 {
		return nil, &ValidationError{Message: "there is nothing to screen for: add at least one allergen to your profile first"}
	}

	prompt, err := buildScreeningPrompt(allergens, "")
	if err != nil {
		return nil, fmt.Errorf("failed to build screening prompt: %w", err)
	}

	raw, err := c.gen.generate(ctx, prompt, jpegImage)
	if err != nil {
		return nil, &RemoteError{Err: err}
	}
	return parseScreeningResponse(raw)
}

// AnalyzeText screens label text extracted from a product page, under the
// same contract as AnalyzeImage.
func (c *Client) AnalyzeText(ctx context.Context, labelText string, allergens []string) (*Result, error) {
	if len(allergens) == 0 {
		return nil, &ValidationError{Message: "there is nothing to screen for: add at least one allergen to your profile first"}
	}
	if strings.TrimSpace(labelText) == "" {
		return nil, &ValidationError{Message: "no label text could be extracted from the page"}
	}

	prompt, err := buildScreeningPrompt(allergens, labelText)
	if err != nil {
		return nil, fmt.Errorf("failed to build screening prompt: %w", err)
	}

	raw, err := c.gen.generate(ctx, prompt, nil)
	if err != nil {
		return nil, &RemoteError{Err: err}
	}
	return parseScreeningResponse(raw)
}

// Close closes the underlying model client.
func (c *Client) Close() error {
	return c.gen.close()
}

type screeningPromptData struct {
	Allergens []string
	LabelText string
}

func buildScreeningPrompt(allergens []string, labelText string) (string, error) {
	tmpl, err := template.New("screening").Parse(screeningPrompt)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, screeningPromptData{Allergens: allergens, LabelText: labelText}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// rawScreeningResult mirrors the remote payload with pointer fields so a
// missing field is distinguishable from an empty one. The response is an
// untrusted boundary: every field must be present and the severity must be
// a member of the enum, otherwise the whole payload is rejected. A missing
// or unparseable payload is a RemoteError, never an implicit SAFE.
type rawScreeningResult struct {
	RiskLevel         *string   `json:"risk_level"`
	DetectedAllergens *[]string `json:"detected_allergens"`
	Reasoning         *string   `json:"reasoning"`
}

func parseScreeningResponse(raw string) (*Result, error) {
	cleaned := stripCodeFences(raw)

	var parsed rawScreeningResult
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, &RemoteError{Err: fmt.Errorf("unparseable screening response: %w. Response: %s", err, raw)}
	}

	if parsed.RiskLevel == nil {
		return nil, &RemoteError{Err: fmt.Errorf("screening response is missing risk_level. Response: %s", raw)}
	}
	level := RiskLevel(*parsed.RiskLevel)
	if !level.Valid() {
		return nil, &RemoteError{Err: fmt.Errorf("screening response has unknown risk_level %q", *parsed.RiskLevel)}
	}
	if parsed.DetectedAllergens == nil {
		return nil, &RemoteError{Err: fmt.Errorf("screening response is missing detected_allergens. Response: %s", raw)}
	}
	if parsed.Reasoning == nil || strings.TrimSpace(*parsed.Reasoning) == "" {
		return nil, &RemoteError{Err: fmt.Errorf("screening response is missing reasoning. Response: %s", raw)}
	}

	return &Result{
		RiskLevel:         level,
		DetectedAllergens: *parsed.DetectedAllergens,
		Reasoning:         *parsed.Reasoning,
	}, nil
}

// stripCodeFences tolerates models that wrap the JSON in a markdown block
// despite the prompt.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
