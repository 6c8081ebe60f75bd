// Package policy applies Rego tagging rules to incoming memories before they
// are stored. Rules live in package "tagging" and may define:
//
//	tags       set of additional tags
//	importance number overriding the importance
//	reject     boolean refusing the memory
//	reason     string explaining a rejection
package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const taggingQuery = "data.tagging"

// ErrRejected is returned by Apply when the policy rejects a memory
var ErrRejected = goerr.New("memory rejected by policy")

// regoPrintHook forwards Rego print() statements to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(pctx print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message, "location", pctx.Location.String())
	return nil
}

// Tagger evaluates the tagging policy. A nil Tagger or one loaded from an
// empty directory leaves memories unchanged.
type Tagger struct {
	query *rego.PreparedEvalQuery
}

// Load reads all *.rego files in dir. An empty dir or a directory without rego
// files yields a Tagger that does nothing.
func Load(ctx context.Context, dir string) (*Tagger, error) {
	if dir == "" {
		return &Tagger{}, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return &Tagger{}, nil
	}

	options := []func(*rego.Rego){
		rego.Query(taggingQuery),
		rego.EnablePrintStatements(true),
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare tagging policy", goerr.V("dir", dir))
	}

	return &Tagger{query: &prepared}, nil
}

type decision struct {
	Tags       []string `json:"tags"`
	Importance *float64 `json:"importance"`
	Reject     bool     `json:"reject"`
	Reason     string   `json:"reason"`
}

// Apply evaluates the policy against mem and returns a copy with the policy's
// tags merged in and its importance applied. ErrRejected is returned when the
// policy sets reject.
func (x *Tagger) Apply(ctx context.Context, mem *model.Memory) (*model.Memory, error) {
	if x == nil || x.query == nil {
		return mem, nil
	}

	input := map[string]any{
		"content":    mem.Content,
		"tags":       mem.Tags,
		"importance": mem.Importance,
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate tagging policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return mem, nil
	}

	// Round trip through JSON to turn Rego sets and numbers into Go types
	raw, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal policy result")
	}
	var d decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, goerr.Wrap(err, "invalid tagging policy result", goerr.V("result", string(raw)))
	}

	if d.Reject {
		return nil, goerr.Wrap(ErrRejected, "memory rejected by tagging policy", goerr.V("reason", d.Reason))
	}

	out := mem.Clone()
	out.Tags = model.NormalizeTags(append(out.Tags, d.Tags...))
	if d.Importance != nil {
		out.Importance = *d.Importance
	}
	if err := out.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrInvalidMemory, "tagging policy produced invalid memory", goerr.V("reason", err.Error()))
	}

	return out, nil
}
