package parser

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// Gemini calls a Vertex AI Gemini model with a response schema matching
// ItemsSchema, so the model is constrained before local validation runs.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGemini(ctx context.Context, project, location, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, project, location)
	if err != nil {
		return nil, fmt.Errorf("create vertex client: %w", err)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	m := client.GenerativeModel(model)
	m.ResponseMIMEType = "application/json"
	m.ResponseSchema = &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"vegetable": {Type: genai.TypeString, Description: "Vegetable name as spoken"},
				"quantity":  {Type: genai.TypeString, Enum: []string{"100g", "250g", "500g", "1kg", ""}},
			},
			Required: []string{"vegetable", "quantity"},
		},
	}
	return &Gemini{client: client, model: m}, nil
}

func (g *Gemini) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(system+"\n\n"+prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini returned no text")
	}
	return b.String(), nil
}

func (g *Gemini) Close() error { return g.client.Close() }
