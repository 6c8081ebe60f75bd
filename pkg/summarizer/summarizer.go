// Package summarizer condenses a group of related memory records into the
// content of a single consolidated record.
package summarizer

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/adapter"
	"github.com/m-mizutani/hypnos/pkg/model"
	"google.golang.org/genai"
)

const systemPrompt = "You consolidate fragmented personal memory records into one faithful summary."

//go:embed prompt/summarize.md
var summarizePromptRaw string

var summarizePromptTmpl = template.Must(template.New("summarize").
	Funcs(template.FuncMap{"add": func(a, b int) int { return a + b }}).
	Parse(summarizePromptRaw))

// BuildPrompt renders the summarization prompt for records
func BuildPrompt(records []*model.Memory) (string, error) {
	var buf bytes.Buffer
	err := summarizePromptTmpl.Execute(&buf, map[string]any{
		"Count":   len(records),
		"Tags":    strings.Join(sharedTags(records), ", "),
		"Records": records,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to render summarize prompt")
	}
	return buf.String(), nil
}

func sharedTags(records []*model.Memory) []string {
	if len(records) == 0 {
		return nil
	}
	var shared []string
	for _, tag := range records[0].Tags {
		all := true
		for _, r := range records[1:] {
			if !r.HasTag(tag) {
				all = false
				break
			}
		}
		if all {
			shared = append(shared, tag)
		}
	}
	return shared
}

func unavailable(err error, msg string, values ...goerr.Option) error {
	values = append(values, goerr.V("cause", err.Error()))
	return goerr.Wrap(model.ErrSummarizerUnavailable, msg, values...)
}

// Gemini summarizes with a Gemini model
type Gemini struct {
	client adapter.Gemini
}

func NewGemini(client adapter.Gemini) *Gemini {
	return &Gemini{client: client}
}

func (x *Gemini) Summarize(ctx context.Context, records []*model.Memory) (string, error) {
	prompt, err := BuildPrompt(records)
	if err != nil {
		return "", err
	}

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, ""),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := x.client.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", unavailable(err, "gemini failed to summarize", goerr.V("records", len(records)))
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", goerr.Wrap(model.ErrSummarizerUnavailable, "gemini returned no candidate")
	}

	var summary strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			summary.WriteString(part.Text)
		}
	}

	text := strings.TrimSpace(summary.String())
	if text == "" {
		return "", goerr.Wrap(model.ErrSummarizerUnavailable, "gemini returned an empty summary")
	}
	return text, nil
}

// OpenAI summarizes with a chat completion model on an OpenAI compatible server
type OpenAI struct {
	client adapter.OpenAI
}

func NewOpenAI(client adapter.OpenAI) *OpenAI {
	return &OpenAI{client: client}
}

func (x *OpenAI) Summarize(ctx context.Context, records []*model.Memory) (string, error) {
	prompt, err := BuildPrompt(records)
	if err != nil {
		return "", err
	}

	text, err := x.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", unavailable(err, "chat completion failed to summarize", goerr.V("records", len(records)))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", goerr.Wrap(model.ErrSummarizerUnavailable, "chat completion returned an empty summary")
	}
	return text, nil
}

const concatPreview = 3

// Concat merges records without a model: the first three contents joined by a
// separator and a count of the rest.
type Concat struct{}

func (x *Concat) Summarize(_ context.Context, records []*model.Memory) (string, error) {
	if len(records) == 0 {
		return "", goerr.Wrap(model.ErrSummarizerUnavailable, "nothing to summarize")
	}

	n := min(concatPreview, len(records))
	parts := make([]string, 0, n)
	for _, r := range records[:n] {
		parts = append(parts, r.Content)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Consolidated memory (%d sources):\n\n", len(records))
	b.WriteString(strings.Join(parts, "\n---\n"))
	if rest := len(records) - n; rest > 0 {
		fmt.Fprintf(&b, "\n\n[+%d more related memories]", rest)
	}
	return b.String(), nil
}
