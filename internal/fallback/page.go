package fallback

import (
	"html/template"
	"io"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// Page is the configurable copy of the interim page.
type Page struct {
	Title   string
	Heading string
	Message string
	CSS     string
}

type pageData struct {
	Page
	Style   template.CSS
	Refresh int
	Status  core.ResumeStatus
	Label   string
	Step    int
	Steps   int
	Percent int
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Refresh}}">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:0;display:flex;min-height:100vh;align-items:center;justify-content:center;background:#f6f7f9;color:#1f2328}
main{max-width:32rem;padding:2rem;text-align:center}
.bar{height:.5rem;background:#d8dee4;border-radius:.25rem;overflow:hidden;margin:1.5rem 0 .5rem}
.bar span{display:block;height:100%;background:#2f81f7}
.status{font-size:.9rem;color:#59636e}
{{.Style}}
</style>
</head>
<body>
<main data-status="{{.Status}}">
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
<div class="bar" role="progressbar" aria-valuemin="0" aria-valuemax="{{.Steps}}" aria-valuenow="{{.Step}}"><span style="width:{{.Percent}}%"></span></div>
<p class="status">Step {{.Step}} of {{.Steps}}: {{.Label}}</p>
</main>
</body>
</html>
`))

// renderPage writes the interim page. Page.CSS comes from operator config and
// is emitted verbatim inside the style element.
func renderPage(w io.Writer, page Page, refresh int, status core.ResumeStatus) error {
	step := status.Step()
	return pageTemplate.Execute(w, pageData{
		Page:    page,
		Style:   template.CSS(page.CSS), //nolint:gosec // operator-supplied stylesheet
		Refresh: refresh,
		Status:  status,
		Label:   status.Label(),
		Step:    step,
		Steps:   core.StatusSteps,
		Percent: step * 100 / core.StatusSteps,
	})
}
