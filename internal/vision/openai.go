package vision

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/stellarlinkco/chatfight/internal/config"
)

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
// The default endpoint is Groq.
type OpenAIBackend struct {
	completions chatCompletions
	model       string
	temperature float64
	maxTokens   int
}

func NewOpenAIBackend(cfg config.VisionConfig, extra ...option.RequestOption) (*OpenAIBackend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("vision: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = config.DefaultVisionBaseURL
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)

	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = config.DefaultVisionModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultVisionMaxTokens
	}

	return &OpenAIBackend{
		completions: &client.Chat.Completions,
		model:       modelName,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (b *OpenAIBackend) Complete(ctx context.Context, instruction string, img Image) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(instruction),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: img.DataURL(),
				}),
			}),
		},
		Temperature:         openai.Float(b.temperature),
		TopP:                openai.Float(1),
		MaxCompletionTokens: openai.Int(int64(b.maxTokens)),
	}

	completion, err := b.completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", nil
	}
	return completion.Choices[0].Message.Content, nil
}
