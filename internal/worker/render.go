package worker

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/flosch/pongo2/v6"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer executes the embedded mail templates.
type Renderer struct {
	set *pongo2.TemplateSet
}

// NewRenderer loads templates from the embedded filesystem.
func NewRenderer() *Renderer {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic(err)
	}
	return &Renderer{set: pongo2.NewSet("mail", pongo2.NewFSLoader(sub))}
}

// Render executes templates/<name>.html.
func (r *Renderer) Render(name string, data pongo2.Context) (string, error) {
	tpl, err := r.set.FromCache(name + ".html")
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}
	out, err := tpl.Execute(data)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return out, nil
}
