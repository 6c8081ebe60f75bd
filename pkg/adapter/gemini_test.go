package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hypnos/pkg/adapter"
	"google.golang.org/genai"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	location := os.Getenv("TEST_GEMINI_LOCATION")
	if location == "" {
		location = "us-central1"
	}

	client, err := adapter.NewGemini(context.Background(), projectID, location)
	gt.NoError(t, err)
	return client
}

func TestGeminiGenerateContent(t *testing.T) {
	client := newTestGemini(t)
	ctx := context.Background()

	contents := []*genai.Content{
		genai.NewContentFromText("Summarize in one sentence: the cat slept on the warm windowsill all afternoon.", genai.RoleUser),
	}

	resp, err := client.GenerateContent(ctx, contents, nil)
	gt.NoError(t, err)
	gt.V(t, resp).NotNil()
	gt.NotEqual(t, resp.Text(), "")

	t.Log("response:", resp.Text())
}

func TestGeminiEmbedding(t *testing.T) {
	client := newTestGemini(t)

	vec, err := client.Embedding(context.Background(), "memory consolidation")
	gt.NoError(t, err)
	gt.A(t, vec).Longer(0)
}

func TestNewGeminiRequiresCredentials(t *testing.T) {
	_, err := adapter.NewGemini(context.Background(), "", "us-central1")
	gt.Error(t, err)
}
