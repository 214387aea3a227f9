// Package anthropic adapts the Anthropic Messages API (streaming) to the
// generic provider interface.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/provider"
)

// Options configures the Anthropic provider adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the Anthropic Messages API behind provider.Provider.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

var _ provider.Provider = (*Provider)(nil)

// New creates a provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Stream implements provider.Provider using the streaming messages API.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       p.opts.Model,
			Messages:    buildMessages(req.History),
			MaxTokens:   p.opts.MaxTokens,
			Temperature: anthropic.Float(p.opts.Temperature),
		}
		if req.Instruction != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instruction}}
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					case out <- delta.Text:
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		}
	}()
	return out, errCh
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{Name: string(p.opts.Model), Vendor: "anthropic", SupportsVision: true}
}

// buildMessages converts conversation turns into Anthropic messages. System
// turns are skipped here, the instruction travels in the request params.
func buildMessages(history []core.Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, t := range history {
		switch t.Role {
		case core.RoleUser:
			blocks := userBlocks(t)
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		case core.RoleAssistant:
			if t.Text() != "" {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text())))
			}
		}
	}
	return messages
}

func userBlocks(t core.Turn) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range t.Parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case core.ImagePart:
			if b := imageBlock(part.URL); b != nil {
				blocks = append(blocks, *b)
			}
		}
	}
	return blocks
}

// imageBlock accepts both https URLs and data URIs, decoding the latter
// into a base64 source block.
func imageBlock(url string) *anthropic.ContentBlockParamUnion {
	if mediaType, data, ok := splitDataURI(url); ok {
		b := anthropic.NewImageBlockBase64(mediaType, data)
		return &b
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		b := anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: url})
		return &b
	}
	return nil
}

// splitDataURI parses "data:<media-type>;base64,<data>" URIs.
func splitDataURI(uri string) (mediaType, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", false
	}
	rest := uri[len(prefix):]
	meta, data, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), data, true
}
