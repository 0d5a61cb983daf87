package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const serviceAnthropic = "anthropic"

// AnthropicDescriber describes images with a Claude model.
type AnthropicDescriber struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicDescriber creates a new Anthropic image describer.
func NewAnthropicDescriber(apiKey string, model anthropic.Model) (*AnthropicDescriber, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &AnthropicDescriber{
		client: client,
		model:  model,
	}, nil
}

// Name returns the provider name.
func (d *AnthropicDescriber) Name() string {
	return string(ProviderAnthropic)
}

// Describe returns a short description of the image.
func (d *AnthropicDescriber) Describe(ctx context.Context, image []byte, mimeType, caption string) (string, error) {
	prompt := describePrompt
	if caption != "" {
		prompt += "\nCaption: " + caption
	}

	resp, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 300,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mimeType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", classify(serviceAnthropic, "describe_image", err)
	}

	// Extract content
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(content.String()), nil
}
