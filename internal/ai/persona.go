package ai

import "strings"

// Persona pairs a mentionable assistant name with its system prompt.
type Persona struct {
	Name         string
	SystemPrompt string
}

var personas = map[string]Persona{
	"wayneai": {
		Name: "wayneAI",
		SystemPrompt: "You are wayneAI, a knowledgeable and friendly assistant in a " +
			"group chat. Answer concisely in the language the user writes in. " +
			"Use fenced code blocks for any code.",
	},
	"consultingai": {
		Name: "consultingAI",
		SystemPrompt: "You are consultingAI, a business and strategy consultant in a " +
			"group chat. Give structured, actionable advice and keep answers short " +
			"enough to read in a chat window.",
	},
}

// LookupPersona resolves a mention name, case-insensitively.
func LookupPersona(name string) (Persona, bool) {
	p, ok := personas[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ExtractMention returns the first "@name" token in content that names a
// known persona, plus the content with that token removed.
func ExtractMention(content string) (Persona, string, bool) {
	fields := strings.Fields(content)
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		p, ok := LookupPersona(strings.TrimPrefix(f, "@"))
		if !ok {
			continue
		}
		rest := strings.TrimSpace(strings.Replace(content, f, "", 1))
		return p, rest, true
	}
	return Persona{}, content, false
}
