package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Model produces a review for a prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (Result, error)
}

var ErrEmptyResponse = errors.New("model returned no content")

// GeminiClient calls the generateContent REST endpoint with a JSON
// response schema.
type GeminiClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

func NewGeminiClient(endpoint, model, apiKey string, timeout time.Duration) *GeminiClient {
	return &GeminiClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Items       *schema           `json:"items,omitempty"`
	Properties  map[string]schema `json:"properties,omitempty"`
	Required    []string          `json:"required,omitempty"`
}

var resultSchema = schema{
	Type: "OBJECT",
	Properties: map[string]schema{
		"summary":         {Type: "STRING", Description: "A concise summary of the patrol session"},
		"anomalies":       {Type: "ARRAY", Items: &schema{Type: "STRING"}, Description: "List of detected anomalies"},
		"efficiency":      {Type: "NUMBER", Description: "Efficiency score from 0 to 100"},
		"recommendations": {Type: "ARRAY", Items: &schema{Type: "STRING"}, Description: "Tips for improvement"},
	},
	Required: []string{"summary", "anomalies", "efficiency", "recommendations"},
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"responseMimeType"`
		ResponseSchema   schema `json:"responseSchema"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *GeminiClient) Generate(ctx context.Context, prompt string) (Result, error) {
	var req generateRequest
	req.Contents = []content{{Role: "user", Parts: []part{{Text: prompt}}}}
	req.GenerationConfig.ResponseMimeType = "application/json"
	req.GenerationConfig.ResponseSchema = resultSchema

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("generateContent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return Result{}, fmt.Errorf("generateContent: %s (%d %s)", apiErr.Error.Message, resp.StatusCode, apiErr.Error.Status)
		}
		return Result{}, fmt.Errorf("generateContent: unexpected status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return Result{}, ErrEmptyResponse
	}

	var text strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return ParseResult(text.String())
}

// Ping checks that the API host answers at all. Any HTTP response counts
// as reachable; only transport failures do not.
func (c *GeminiClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ParseResult decodes and checks the model's JSON answer.
func ParseResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var r Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &r); err != nil {
		return Result{}, fmt.Errorf("decode analysis: %w", err)
	}
	if err := r.validate(); err != nil {
		return Result{}, fmt.Errorf("invalid analysis: %w", err)
	}
	return r.normalized(), nil
}
