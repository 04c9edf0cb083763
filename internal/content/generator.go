// Package content renders comment and direct-message text from templates.
package content

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"text/template"

	"github.com/rogersf/relay/internal/config"
)

// Context is what a template can reference.
type Context struct {
	Platform  string
	PostID    string
	PostURL   string
	Author    string
	Excerpt   string
	Recipient string
}

// Generator produces outbound text. Implementations keep no per-call state.
type Generator interface {
	GenerateComment(ctx context.Context, c Context) (string, error)
	GenerateDM(ctx context.Context, c Context) (string, error)
}

var defaultComment = []string{
	`{{if .Author}}Thanks for sharing this, {{.Author}}.{{else}}Thanks for sharing this.{{end}}{{if .Excerpt}} "{{excerpt .Excerpt 60}}" is a point worth thinking about.{{end}}`,
	`Really interesting take{{if .Author}}, {{.Author}}{{end}}. Curious to see where this goes.`,
}

var defaultDM = []string{
	`Hi {{.Recipient}}, I enjoyed your recent post and wanted to say hello.`,
}

// TemplateGenerator picks a template per target deterministically and renders
// it with text/template.
type TemplateGenerator struct {
	comment []*template.Template
	dm      []*template.Template
}

var funcs = template.FuncMap{
	"excerpt": func(s string, n int) string {
		s = strings.Join(strings.Fields(s), " ")
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return strings.TrimSpace(string(r[:n])) + "..."
	},
	"lower": strings.ToLower,
}

// NewTemplateGenerator parses the configured templates, using built-in ones
// for any empty list.
func NewTemplateGenerator(cfg config.TemplatesConfig) (*TemplateGenerator, error) {
	comments := cfg.Comment
	if len(comments) == 0 {
		comments = defaultComment
	}
	dms := cfg.DM
	if len(dms) == 0 {
		dms = defaultDM
	}
	g := &TemplateGenerator{}
	var err error
	if g.comment, err = parseAll("comment", comments); err != nil {
		return nil, err
	}
	if g.dm, err = parseAll("dm", dms); err != nil {
		return nil, err
	}
	return g, nil
}

func parseAll(kind string, srcs []string) ([]*template.Template, error) {
	out := make([]*template.Template, 0, len(srcs))
	for i, src := range srcs {
		t, err := template.New(fmt.Sprintf("%s-%d", kind, i)).Funcs(funcs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s template %d: %w", kind, i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// GenerateComment implements Generator.
func (g *TemplateGenerator) GenerateComment(ctx context.Context, c Context) (string, error) {
	return render(ctx, pick(g.comment, c.Platform+"/"+c.PostID), c)
}

// GenerateDM implements Generator.
func (g *TemplateGenerator) GenerateDM(ctx context.Context, c Context) (string, error) {
	return render(ctx, pick(g.dm, c.Platform+"/"+c.Recipient), c)
}

func pick(ts []*template.Template, key string) *template.Template {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ts[int(h.Sum32()%uint32(len(ts)))]
}

func render(ctx context.Context, t *template.Template, c Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	text := strings.Join(strings.Fields(buf.String()), " ")
	if text == "" {
		return "", fmt.Errorf("render %s: empty output", t.Name())
	}
	return text, nil
}
