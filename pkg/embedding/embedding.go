// Package embedding turns memory content into vectors for similarity and recall
package embedding

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/adapter"
)

type vectorSource interface {
	Embedding(ctx context.Context, text string) ([]float32, error)
}

// Model embeds text with any adapter exposing Embedding
type Model struct {
	name   string
	source vectorSource
}

func NewGemini(client adapter.Gemini) *Model {
	return &Model{name: "gemini", source: client}
}

func NewOpenAI(client adapter.OpenAI) *Model {
	return &Model{name: "openai", source: client}
}

func (x *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, goerr.New("cannot embed empty text", goerr.V("backend", x.name))
	}

	vec, err := x.source.Embedding(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed text", goerr.V("backend", x.name))
	}
	return vec, nil
}
