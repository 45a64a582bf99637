package report

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/orchestrator"
)

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}} - {{.URL}}</title>
<style>
body { font-family: Arial, Helvetica, sans-serif; margin: 2rem auto; max-width: 960px; color: #222; }
h1 { background: #0d3c55; color: #fff; padding: 1rem; }
table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
th, td { border: 1px solid #ccc; padding: .4rem .6rem; text-align: left; vertical-align: top; }
th { background: #f2f5f7; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTMLBuilder renders the markdown report as a standalone HTML page. Raw HTML
// in scanned content is dropped, not passed through.
type HTMLBuilder struct {
	md goldmark.Markdown
	mb *MarkdownBuilder
}

// NewHTML creates an HTML builder.
func NewHTML(opts Options) *HTMLBuilder {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	)
	return &HTMLBuilder{md: md, mb: NewMarkdown(opts)}
}

func (b *HTMLBuilder) Build(scan *orchestrator.Scan) ([]byte, error) {
	source, err := b.mb.Build(scan)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := b.md.Convert(source, &body); err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "render html")
	}
	var page bytes.Buffer
	err = pageTemplate.Execute(&page, struct {
		Title string
		URL   string
		Body  template.HTML
	}{
		Title: b.mb.opts.Title,
		URL:   scan.URL,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, gserrors.Wrap(err, gserrors.ErrCodeReportRender, "render html page")
	}
	return page.Bytes(), nil
}
