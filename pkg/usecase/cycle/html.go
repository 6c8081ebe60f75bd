package cycle

import (
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
)

//go:embed template/report.html
var reportTemplateRaw string

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	"mb":  func(v float64) string { return fmt.Sprintf("%.1f MB", v) },
	"bar": func(v float64) int { return int(min(100, max(0, v)) * 2) },
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(reportTemplateRaw))

// RenderHTML writes report as a standalone HTML page
func RenderHTML(w io.Writer, report *model.CycleReport) error {
	if err := reportTmpl.Execute(w, report); err != nil {
		return goerr.Wrap(err, "failed to render HTML report")
	}
	return nil
}
