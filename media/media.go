package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
)

// DataURI encodes raw image bytes as a data URI. An empty mimeType is
// sniffed from the payload.
func DataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// IsImage reports whether the payload looks like a supported image format.
func IsImage(data []byte) bool {
	return strings.HasPrefix(http.DetectContentType(data), "image/")
}

// TranscriberOptions configures the voice transcriber.
type TranscriberOptions struct {
	Model openai.AudioModel
}

// Transcriber converts voice notes to text using the OpenAI audio API.
type Transcriber struct {
	client *openai.Client
	opts   TranscriberOptions
}

// NewTranscriber creates a transcriber using a client configured from the
// environment.
func NewTranscriber(optFns ...func(o *TranscriberOptions)) *Transcriber {
	client := openai.NewClient()
	return NewTranscriberFromClient(&client, optFns...)
}

// NewTranscriberFromClient creates a transcriber from an existing client.
func NewTranscriberFromClient(client *openai.Client, optFns ...func(o *TranscriberOptions)) *Transcriber {
	opts := TranscriberOptions{Model: openai.AudioModelWhisper1}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Transcriber{client: client, opts: opts}
}

// Transcribe converts one voice note to text. The filename hints the
// container format to the API.
func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "voice.ogg"
	}
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: t.opts.Model,
		File:  openai.File(audio, filename, "application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe voice note: %w", err)
	}
	return resp.Text, nil
}
