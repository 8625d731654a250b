// Package web holds the HTML template and static assets for the detection form page.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/hannes/kiji-detect/form"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Page is the data passed to the index template.
type Page struct {
	Title string
	View  form.View
}

// Templates renders the form page.
type Templates struct {
	index *template.Template
}

// ParseTemplates parses the embedded templates.
func ParseTemplates() (*Templates, error) {
	index, err := template.ParseFS(templateFiles, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse index template: %w", err)
	}
	return &Templates{index: index}, nil
}

// RenderIndex writes the form page for v.
func (t *Templates) RenderIndex(w io.Writer, v form.View) error {
	return t.index.Execute(w, Page{Title: "PII Detection", View: v})
}
