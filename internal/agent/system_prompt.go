package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/seekchat/internal/llm"
)

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	Now         time.Time
	Tools       []llm.ToolDefinition
	SearchTool  string
	FetchTool   string
	ExtraPrompt string
}

// BuildSystemPrompt constructs the system prompt for the model. The tool
// use policy is advisory; nothing checks that the model follows it.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	b.WriteString("You are a helpful AI research assistant with access to the web.\n\n")

	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&b, "Current date: %s\n\n", now.Format("2006-01-02"))

	if len(cfg.Tools) > 0 {
		b.WriteString("Guidelines:\n")
		if cfg.SearchTool != "" {
			fmt.Fprintf(&b, "- Always use the %s tool first to find sources for the question.\n", cfg.SearchTool)
		}
		if cfg.FetchTool != "" {
			fmt.Fprintf(&b, "- Then use %s on the 4 to 6 most promising results to read their full content. Prefer a variety of sources.\n", cfg.FetchTool)
		}
		b.WriteString("- Answer from what the sources say. When sources disagree, say so.\n")
		b.WriteString("- Cite every source inline as a markdown link, e.g. [title](url).\n")
		b.WriteString("- If the tools return nothing useful, say that you could not find an answer.\n")

		b.WriteString("\nAvailable tools:\n")
		for _, t := range cfg.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}
