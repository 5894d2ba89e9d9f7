// Package gemini provides an ask.Provider backed by the Gemini
// generateContent API through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Compile-time interface assertion.
var _ ask.Provider = (*Provider)(nil)

// Provider implements ask.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
	budget *int32
}

type config struct {
	baseURL string
	timeout time.Duration
	budget  *int32
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithThinkingBudget caps the tokens the model may spend on thinking.
// Zero disables thinking on models that allow it.
func WithThinkingBudget(tokens int32) Option {
	return func(c *config) { c.budget = &tokens }
}

// New constructs a Gemini ask provider. An empty model selects [DefaultModel].
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	if cfg.timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.timeout}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client, model: model, budget: cfg.budget}, nil
}

// Ask implements ask.Provider.
func (p *Provider) Ask(ctx context.Context, req ask.Request) (*ask.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		contents = append(contents, genai.NewContentFromText(t.Text, convertRole(t.Role)))
	}

	gc := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if p.budget != nil {
		gc.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: p.budget}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	return &ask.Response{Text: replyText(resp)}, nil
}

func convertRole(r ask.Role) genai.Role {
	if r == ask.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// replyText returns the first non-thought text part of the first candidate,
// falling back to the first thought part when the model only thought.
func replyText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0].Content
	if c == nil {
		return ""
	}
	var thought string
	for _, part := range c.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			if thought == "" {
				thought = part.Text
			}
			continue
		}
		return part.Text
	}
	return thought
}
