package generator

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"text/template"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/sandbox"
)

// embeddedPrompts holds the built-in prompt templates so packaged binaries
// do not need the source tree.
//
//go:embed prompts
var embeddedPrompts embed.FS

// promptData is the data every template is executed with.
type promptData struct {
	Notation    string
	Binding     string
	Topic       string
	Context     string
	Description string
	Code        string
	Error       string
}

// Prompts is the set of templates for one renderer.
type Prompts struct {
	renderer api.Renderer
	describe *template.Template
	code     *template.Template
	fix      *template.Template
}

// LoadPrompts parses the embedded templates for r.
func LoadPrompts(r api.Renderer) (*Prompts, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown renderer %q", r)
	}
	p := &Prompts{renderer: r}

	var err error
	if p.describe, err = parse("prompts/describe.tmpl"); err != nil {
		return nil, err
	}
	if p.code, err = parse(fmt.Sprintf("prompts/%s/code.tmpl", r)); err != nil {
		return nil, err
	}
	if p.fix, err = parse(fmt.Sprintf("prompts/%s/fix.tmpl", r)); err != nil {
		return nil, err
	}
	return p, nil
}

func parse(name string) (*template.Template, error) {
	t, err := template.New(path.Base(name)).ParseFS(embeddedPrompts, name)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	return t, nil
}

// Describe renders the system prompt of the description call.
func (p *Prompts) Describe(context string) (string, error) {
	return render(p.describe, p.data(promptData{Context: context}))
}

// Code renders the system prompt of the code call.
func (p *Prompts) Code() (string, error) {
	return render(p.code, p.data(promptData{}))
}

// Fix renders the repair prompt.
func (p *Prompts) Fix(topic, description, code, errText string) (string, error) {
	return render(p.fix, p.data(promptData{
		Topic:       topic,
		Description: description,
		Code:        code,
		Error:       errText,
	}))
}

func (p *Prompts) data(d promptData) promptData {
	d.Binding = sandbox.FilenameBinding
	switch p.renderer {
	case api.RendererPython:
		d.Notation = "Graphviz (Python)"
	case api.RendererDOT:
		d.Notation = "Graphviz DOT"
	case api.RendererMermaid:
		d.Notation = "Mermaid"
	}
	return d
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
