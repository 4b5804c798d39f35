package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/chatfight/internal/config"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// ModelBackend sends the image as a content block through an agentsdk model.
type ModelBackend struct {
	provider    model.Provider
	maxTokens   int
	temperature float64
}

func NewAnthropicBackend(cfg config.VisionConfig) (*ModelBackend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("vision: api key required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" || modelName == config.DefaultVisionModel {
		modelName = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultVisionMaxTokens
	}

	temperature := cfg.Temperature
	return NewModelBackend(&model.AnthropicProvider{
		APIKey:      apiKey,
		BaseURL:     cfg.BaseURL,
		ModelName:   modelName,
		MaxTokens:   maxTokens,
		MaxRetries:  1, // the SDK treats 0 as "use the default of 10"
		Temperature: &temperature,
	}, maxTokens, temperature), nil
}

func NewModelBackend(provider model.Provider, maxTokens int, temperature float64) *ModelBackend {
	return &ModelBackend{provider: provider, maxTokens: maxTokens, temperature: temperature}
}

func (b *ModelBackend) Complete(ctx context.Context, instruction string, img Image) (string, error) {
	mdl, err := b.provider.Model(ctx)
	if err != nil {
		return "", err
	}

	temperature := b.temperature
	resp, err := mdl.Complete(ctx, model.Request{
		Messages: []model.Message{{
			Role: "user",
			ContentBlocks: []model.ContentBlock{
				{Type: model.ContentBlockText, Text: instruction},
				{
					Type:      model.ContentBlockImage,
					MediaType: img.MediaType,
					Data:      base64.StdEncoding.EncodeToString(img.Data),
				},
			},
		}},
		MaxTokens:   b.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Message.Content, nil
}
