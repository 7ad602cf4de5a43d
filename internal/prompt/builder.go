package prompt

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/antoniostano/livecall/internal/memory"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/speech"
)

const defaultTemplate = `You are {{.Name}}, talking with the user on a live voice call.
{{- if .Tutor}}
You are a language tutor. Keep the conversation in {{.Language}}, correct mistakes gently and keep explanations short.
{{- else}}
You are a friend catching up on the phone. Speak {{.Language}}.
{{- end}}
{{- with .Style}}
Speaking style: {{.}}.
{{- end}}
Reply in short spoken sentences. Never use lists, markdown or emoji.
{{- if .Recent}}

Relevant conversation context from earlier calls:
{{- range .Recent}}
- {{.Speaker}}: {{.Text}}
{{- end}}
{{- end}}
`

type line struct {
	Speaker string
	Text    string
}

type data struct {
	Name     string
	Language string
	Style    string
	Tutor    bool
	Recent   []line
}

// Builder renders the system instruction for a call.
type Builder struct {
	tmpl     *template.Template
	maxChars int
}

// New parses tmpl, or the built-in template when tmpl is empty. maxChars caps
// each history line; zero means 240.
func New(tmpl string, maxChars int) (*Builder, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultTemplate
	}
	t, err := template.New("system").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	if maxChars <= 0 {
		maxChars = 240
	}
	return &Builder{tmpl: t, maxChars: maxChars}, nil
}

func (b *Builder) SystemInstruction(ctx context.Context, p persona.Persona, recent []memory.TurnRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := data{
		Name:     p.Name,
		Language: languageName(p.Language),
		Style:    strings.TrimSpace(p.Style),
		Tutor:    p.Role == persona.RoleTutor,
	}
	for _, r := range recent {
		text := speech.CollapseSpace(r.Content)
		if text == "" || r.Sender == "system" {
			continue
		}
		speaker := "User"
		if r.Sender == "persona" {
			speaker = p.Name
		}
		d.Recent = append(d.Recent, line{Speaker: speaker, Text: clip(text, b.maxChars)})
	}

	var out strings.Builder
	if err := b.tmpl.Execute(&out, d); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", p.ID, err)
	}
	return strings.TrimSpace(out.String()), nil
}

var languageNames = map[string]string{
	"it": "Italian",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"pt": "Portuguese",
}

func languageName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "the user's language"
	}
	base, _, _ := strings.Cut(code, "-")
	if name, ok := languageNames[strings.ToLower(base)]; ok {
		return name
	}
	return code
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
