// Package prompts holds prompt templates managed by the ingestion API and
// the HTTP client that fetches and creates them.
package prompts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Type string

const (
	TypeText Type = "text"
	TypeChat Type = "chat"
)

// DefaultLabel is the label served when neither version nor label is given.
const DefaultLabel = "production"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is one version of a named prompt. Text is set for text prompts and
// Messages for chat prompts.
type Prompt struct {
	Name          string
	Version       int
	Type          Type
	Text          string
	Messages      []ChatMessage
	Config        any
	Labels        []string
	Tags          []string
	CommitMessage string
	IsFallback    bool
}

type promptJSON struct {
	Name          string          `json:"name"`
	Version       int             `json:"version"`
	Type          Type            `json:"type"`
	Prompt        json.RawMessage `json:"prompt"`
	Config        any             `json:"config,omitempty"`
	Labels        []string        `json:"labels"`
	Tags          []string        `json:"tags"`
	CommitMessage string          `json:"commitMessage,omitempty"`
	IsFallback    bool            `json:"isFallback,omitempty"`
}

func (p Prompt) MarshalJSON() ([]byte, error) {
	var body any = p.Text
	if p.Type == TypeChat {
		body = p.Messages
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	labels, tags := p.Labels, p.Tags
	if labels == nil {
		labels = []string{}
	}
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(promptJSON{
		Name:          p.Name,
		Version:       p.Version,
		Type:          p.Type,
		Prompt:        raw,
		Config:        p.Config,
		Labels:        labels,
		Tags:          tags,
		CommitMessage: p.CommitMessage,
		IsFallback:    p.IsFallback,
	})
}

func (p *Prompt) UnmarshalJSON(data []byte) error {
	var wire promptJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*p = Prompt{
		Name:          wire.Name,
		Version:       wire.Version,
		Type:          wire.Type,
		Config:        wire.Config,
		Labels:        wire.Labels,
		Tags:          wire.Tags,
		CommitMessage: wire.CommitMessage,
		IsFallback:    wire.IsFallback,
	}
	if p.Type == "" {
		p.Type = TypeText
	}
	if len(wire.Prompt) == 0 {
		return nil
	}
	switch p.Type {
	case TypeChat:
		if err := json.Unmarshal(wire.Prompt, &p.Messages); err != nil {
			return fmt.Errorf("decode chat prompt %s: %w", p.Name, err)
		}
	case TypeText:
		if err := json.Unmarshal(wire.Prompt, &p.Text); err != nil {
			return fmt.Errorf("decode text prompt %s: %w", p.Name, err)
		}
	default:
		return fmt.Errorf("prompt %s has unknown type %q", p.Name, p.Type)
	}
	return nil
}

var variablePattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Render substitutes {{name}} placeholders. Values are inserted verbatim and
// unknown names render as the empty string.
func Render(template string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// Compile renders a text prompt.
func (p *Prompt) Compile(vars map[string]string) string {
	return Render(p.Text, vars)
}

// CompileChat renders every message of a chat prompt.
func (p *Prompt) CompileChat(vars map[string]string) []ChatMessage {
	out := make([]ChatMessage, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = ChatMessage{Role: m.Role, Content: Render(m.Content, vars)}
	}
	return out
}

var langchainPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// LangchainTemplate rewrites {{var}} as {var}.
func (p *Prompt) LangchainTemplate() string {
	return langchainPattern.ReplaceAllString(p.Text, "{$1}")
}

func (p *Prompt) LangchainMessages() []ChatMessage {
	out := make([]ChatMessage, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = ChatMessage{Role: m.Role, Content: langchainPattern.ReplaceAllString(m.Content, "{$1}")}
	}
	return out
}

// CacheKey identifies a prompt selection. An explicit version wins over a
// label; with neither the production label is used.
func CacheKey(name string, version int, label string) string {
	var b strings.Builder
	b.WriteString(name)
	if version > 0 {
		b.WriteString("-version:")
		b.WriteString(strconv.Itoa(version))
		return b.String()
	}
	if label == "" {
		label = DefaultLabel
	}
	b.WriteString("-label:")
	b.WriteString(label)
	return b.String()
}
