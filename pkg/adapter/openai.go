package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI talks to any OpenAI compatible endpoint: OpenAI itself, LM Studio
// (http://localhost:1234/v1) or Ollama (http://localhost:11434/v1).
type OpenAI interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Embedding(ctx context.Context, text string) ([]float32, error)
}

type OpenAIClient struct {
	client         openai.Client
	chatModel      string
	embeddingModel string
}

type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL        string
	chatModel      string
	embeddingModel string
}

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = url
	}
}

func WithOpenAIChatModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.chatModel = model
	}
}

func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.embeddingModel = model
	}
}

// NewOpenAI creates a client. Local servers accept any non-empty API key.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAIClient, error) {
	cfg := &openAIConfig{
		chatModel:      "gpt-4o-mini",
		embeddingModel: "text-embedding-3-small",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if apiKey == "" {
		if cfg.baseURL == "" {
			return nil, goerr.New("OpenAI API key is required")
		}
		apiKey = "local"
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIClient{
		client:         openai.NewClient(reqOpts...),
		chatModel:      cfg.chatModel,
		embeddingModel: cfg.embeddingModel,
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to create chat completion", goerr.V("model", c.chatModel))
	}
	if len(resp.Choices) == 0 {
		return "", goerr.New("chat completion returned no choices", goerr.V("model", c.chatModel))
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Embedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding", goerr.V("model", c.embeddingModel))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, goerr.New("empty embedding response", goerr.V("model", c.embeddingModel))
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
