package agent

import (
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// PromptData feeds the system prompt template.
type PromptData struct {
	BusinessID   string
	BusinessName string
	// Instructions are the business's own additions to the prompt.
	Instructions string
}

// DefaultPromptTemplate is the system prompt of the knowledge-base assistant.
const DefaultPromptTemplate = `You are a helpful AI voice assistant for {{ .BusinessName | default "a business" }}.
{{- if .BusinessID }} You are representing business ID {{ .BusinessID }}.{{ end }}

You have access to the business's knowledge base through the search_knowledge_base function.
When customers ask questions, search the knowledge base first to provide accurate, relevant information.

Keep your responses conversational, helpful, and concise. Your replies are spoken aloud, so avoid
lists, markdown and symbols. If you cannot find specific information in the knowledge base, let the
customer know and offer to help with general inquiries.

Always be polite, professional, and represent the business well.
{{- with .Instructions | trim }}

{{ . }}{{ end }}`

var defaultPrompt = template.Must(template.New("system").Funcs(sprig.TxtFuncMap()).Parse(DefaultPromptTemplate))

// RenderSystemPrompt renders the assistant's system prompt for d.
func RenderSystemPrompt(d PromptData) (string, error) {
	var b strings.Builder
	if err := defaultPrompt.Execute(&b, d); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
