// Package openai adapts the OpenAI Chat Completions API (streaming) to the
// generic provider interface, including multimodal user turns with image
// parts.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/provider"
)

// Options configures the OpenAI provider adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider wraps the OpenAI Chat Completions API behind provider.Provider.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ provider.Provider = (*Provider)(nil)

// New creates a provider using a client configured from the environment.
func New(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Stream implements provider.Provider using the streaming completions API.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := openai.ChatCompletionNewParams{
			Messages:            buildMessages(req),
			Model:               p.opts.Model,
			Temperature:         openai.Float(p.opts.Temperature),
			MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- choice.Delta.Content:
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()
	return out, errCh
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.opts.Model, Vendor: "openai", SupportsVision: true}
}

// buildMessages converts the normalized request into chat messages. User
// turns with image parts become multimodal content parts.
func buildMessages(req provider.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instruction != "" {
		messages = append(messages, openai.SystemMessage(req.Instruction))
	}
	for _, t := range req.History {
		switch t.Role {
		case core.RoleUser:
			if t.HasImage() {
				messages = append(messages, openai.UserMessage(userParts(t)))
				continue
			}
			messages = append(messages, openai.UserMessage(t.Text()))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(t.Text()))
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(t.Text()))
		}
	}
	return messages
}

func userParts(t core.Turn) []openai.ChatCompletionContentPartUnionParam {
	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range t.Parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				parts = append(parts, openai.TextContentPart(part.Text))
			}
		case core.ImagePart:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: part.URL,
			}))
		}
	}
	return parts
}
