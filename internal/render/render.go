// Package render maps a transcript snapshot to HTML. Rendering is a pure function of the snapshot: the
// same snapshot always yields the same bytes, and nothing here talks to the network or mutates state.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"

	articleui "github.com/shintt/article.ui"
	"github.com/shintt/article.ui/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Preset selects how the chat view looks. The page preset labels both sides and shows all content as
// literal text with the form below the thread; the component preset formats assistant content as
// Markdown and puts the form above the thread.
type Preset struct {
	Name           string
	UserLabel      string
	AssistantLabel string
	Placeholder    string

	// Markdown formats assistant content as GitHub flavoured Markdown. User content is always literal.
	Markdown bool
	// FormFirst places the input form above the transcript.
	FormFirst bool
}

var (
	PresetPage = Preset{
		Name:           "page",
		UserLabel:      "User: ",
		AssistantLabel: "AI: ",
		Placeholder:    "What you want to know?",
	}
	PresetComponent = Preset{
		Name:           "component",
		UserLabel:      "User: ",
		AssistantLabel: "AI: ",
		Placeholder:    "What do you want to know?",
		Markdown:       true,
		FormFirst:      true,
	}
)

// Renderer renders chat views for a preset.
type Renderer struct {
	preset    Preset
	md        goldmark.Markdown
	templates *template.Template
}

// View is the render-ready form of a snapshot.
type View struct {
	SessionID string
	Preset    Preset
	Turns     []TurnView
	Input     string
}

// TurnView is one rendered turn.
type TurnView struct {
	ID    string
	Role  models.Role
	Label string
	Body  template.HTML

	// Tools is nil when the turn has no tool invocations.
	Tools *ToolBlock
}

// ToolBlock holds the rendered results of a turn, in call order. Pending calls are not part of it.
type ToolBlock struct {
	Results []ToolView
}

// ToolView is one rendered tool result.
type ToolView struct {
	CallID string
	Kind   ToolKind
	Markup template.HTML
}

// PresetByName looks a preset up by its name.
func PresetByName(name string) (Preset, error) {
	switch name {
	case PresetPage.Name:
		return PresetPage, nil
	case PresetComponent.Name:
		return PresetComponent, nil
	default:
		return Preset{}, fmt.Errorf("unknown preset: %q", name)
	}
}

// New creates a Renderer for the preset and parses the chat templates from the embedded filesystem.
func New(preset Preset) (Renderer, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		articleui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Renderer{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
	)

	return Renderer{
		preset:    preset,
		md:        md,
		templates: tmpl,
	}, nil
}

// Preset returns the preset the renderer was built for.
func (r Renderer) Preset() Preset {
	return r.preset
}

// Build maps a snapshot to its view. It fails when a tool result cannot be serialised.
func (r Renderer) Build(snap models.Snapshot) (View, error) {
	v := View{
		SessionID: snap.SessionID,
		Preset:    r.preset,
		Input:     snap.Input,
		Turns:     make([]TurnView, 0, len(snap.Turns)),
	}

	for _, t := range snap.Turns {
		tv, err := r.turn(t)
		if err != nil {
			return View{}, fmt.Errorf("failed to render turn %s: %w", t.ID, err)
		}
		v.Turns = append(v.Turns, tv)
	}
	return v, nil
}

// RenderPage writes the full HTML document.
func (r Renderer) RenderPage(w io.Writer, snap models.Snapshot) error {
	return r.execute(w, "home.html", snap)
}

// RenderTranscript writes only the turns, for replacing the transcript of a mounted page.
func (r Renderer) RenderTranscript(w io.Writer, snap models.Snapshot) error {
	return r.execute(w, "transcript", snap)
}

// RenderForm writes the input form bound to the snapshot's input text.
func (r Renderer) RenderForm(w io.Writer, snap models.Snapshot) error {
	return r.execute(w, "prompt_form", snap)
}

// execute renders into a buffer first, so a failing snapshot never leaves half a fragment in w.
func (r Renderer) execute(w io.Writer, name string, snap models.Snapshot) error {
	v, err := r.Build(snap)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, v); err != nil {
		return fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	_, err = buf.WriteTo(w)
	return err
}

func (r Renderer) turn(t models.Turn) (TurnView, error) {
	tv := TurnView{
		ID:   t.ID,
		Role: t.Role,
	}

	switch t.Role {
	case models.RoleAssistant:
		tv.Label = r.preset.AssistantLabel
		body, err := r.assistantBody(t.Content)
		if err != nil {
			return TurnView{}, err
		}
		tv.Body = body
	default:
		tv.Label = r.preset.UserLabel
		tv.Body = literal(t.Content)
	}

	if len(t.ToolInvocations) == 0 {
		return tv, nil
	}

	tv.Tools = &ToolBlock{}
	for _, inv := range t.ToolInvocations {
		res, ok := inv.(models.Result)
		if !ok {
			// Nothing to show until the result arrives.
			continue
		}
		kind := KindOf(res.ToolName)
		markup, err := kind.render(res.Payload)
		if err != nil {
			return TurnView{}, fmt.Errorf("failed to render %s result %s: %w", res.ToolName, res.CallID, err)
		}
		tv.Tools.Results = append(tv.Tools.Results, ToolView{
			CallID: res.CallID,
			Kind:   kind,
			Markup: markup,
		})
	}
	return tv, nil
}

func (r Renderer) assistantBody(content string) (template.HTML, error) {
	if !r.preset.Markdown {
		return literal(content), nil
	}

	var sb strings.Builder
	if err := r.md.Convert([]byte(content), &sb); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(sb.String()), nil
}

func literal(s string) template.HTML {
	return template.HTML(template.HTMLEscapeString(s))
}
