package recap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/livecall/internal/call"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/speech"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	DefaultModel  = "gemini-2.0-flash"
	maxRecapChars = 600
)

var retryPolicy = reliability.Backoff{Attempts: 3, Base: 400 * time.Millisecond, Cap: 3 * time.Second}

const instruction = `Summarise this voice call in two or three short sentences for the user.
Mention the topics discussed and any new words practised. Write plain text without markdown.`

// contentGenerator is the subset of *genai.Models the recapper needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// GeminiRecapper summarises a finished call with a single text generation
// request.
type GeminiRecapper struct {
	models  contentGenerator
	model   string
	timeout time.Duration
	log     zerolog.Logger
	sleep   func(context.Context, time.Duration) error
}

func NewGemini(ctx context.Context, cfg Config) (*GeminiRecapper, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("recap: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("recap: create genai client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(models contentGenerator, cfg Config) *GeminiRecapper {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &GeminiRecapper{
		models:  models,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     logging.Component(cfg.Logger, "recap"),
		sleep:   reliability.Sleep,
	}
}

func (g *GeminiRecapper) Recap(ctx context.Context, req call.RecapRequest) (string, error) {
	transcript := renderTranscript(req)
	if transcript == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.3),
		MaxOutputTokens:   256,
	}

	var text string
	err := reliability.Retry(ctx, retryPolicy, g.sleep, retryable,
		func(attempt int, err error) {
			g.log.Warn().Err(err).Int("attempt", attempt).Msg("recap request failed, retrying")
		},
		func(ctx context.Context) error {
			resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(transcript), cfg)
			if err != nil {
				return err
			}
			text = speech.CollapseSpace(resp.Text())
			return nil
		})
	if err != nil {
		return "", fmt.Errorf("recap %s: %w", req.Session.ID, err)
	}
	if text == "" {
		return "", errors.New("recap: empty response")
	}
	return clip(text, maxRecapChars), nil
}

func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.Code)
	}
	return false
}

func renderTranscript(req call.RecapRequest) string {
	var b strings.Builder
	for _, t := range req.Turns {
		if t.Sender == "system" {
			continue
		}
		text := speech.CollapseSpace(t.Content)
		if text == "" {
			continue
		}
		speaker := "User"
		if t.Sender == "persona" {
			speaker = "Persona"
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
