package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mcplease/mcplease-go/mcp"
)

// GenerateRequest carries one inference call to the model backend.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// ModelAdapter abstracts the AI model backing the coding tools. A nil
// adapter, an unready model, or a failed generation all degrade to static
// fallback text rather than failing the tool call.
type ModelAdapter interface {
	// Ready reports whether the model can serve inference right now.
	Ready(ctx context.Context) bool
	// Generate runs one inference call.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Built-in tool names.
const (
	ToolCodeCompletion  = "code_completion"
	ToolCodeExplanation = "code_explanation"
	ToolDebugAssistance = "debug_assistance"
)

// CompletionArgs are the arguments to the code_completion tool.
type CompletionArgs struct {
	Code           string `json:"code" jsonschema:"description=Current code context around cursor position"`
	Language       string `json:"language" jsonschema:"description=Programming language (e.g. python; javascript; java)"`
	CursorPosition int    `json:"cursor_position,omitempty" jsonschema:"description=Cursor position in the code"`
	MaxCompletions int    `json:"max_completions,omitempty" jsonschema:"description=Maximum number of completion suggestions"`
}

// ExplanationArgs are the arguments to the code_explanation tool.
type ExplanationArgs struct {
	Code        string `json:"code" jsonschema:"description=Code to explain and analyze"`
	Language    string `json:"language" jsonschema:"description=Programming language of the code"`
	DetailLevel string `json:"detail_level,omitempty" jsonschema:"description=Level of detail for the explanation,enum=brief,enum=detailed,enum=comprehensive"`
	Focus       string `json:"focus,omitempty" jsonschema:"description=Specific aspect to focus on,enum=functionality,enum=performance,enum=security,enum=best_practices"`
}

// DebugArgs are the arguments to the debug_assistance tool.
type DebugArgs struct {
	Code             string `json:"code" jsonschema:"description=Code that has issues or needs debugging"`
	Language         string `json:"language" jsonschema:"description=Programming language of the code"`
	ErrorMessage     string `json:"error_message,omitempty" jsonschema:"description=Error message or stack trace"`
	ExpectedBehavior string `json:"expected_behavior,omitempty" jsonschema:"description=What the code should do"`
	ActualBehavior   string `json:"actual_behavior,omitempty" jsonschema:"description=What the code actually does"`
}

// AITools returns the built-in coding tool set wired to the adapter.
func AITools(adapter ModelAdapter, log *slog.Logger) []StaticTool {
	if log == nil {
		log = slog.Default()
	}
	t := aiTools{adapter: adapter, log: log}
	return []StaticTool{
		NewTool(ToolCodeCompletion, t.complete,
			WithDescription("Provides intelligent code completion suggestions based on context")),
		NewTool(ToolCodeExplanation, t.explain,
			WithDescription("Explains code functionality, purpose, and provides technical analysis")),
		NewTool(ToolDebugAssistance, t.debug,
			WithDescription("Provides debugging help, error analysis, and troubleshooting suggestions")),
	}
}

type aiTools struct {
	adapter ModelAdapter
	log     *slog.Logger
}

func (t aiTools) generate(ctx context.Context, tool string, req GenerateRequest) (string, bool) {
	if t.adapter == nil || !t.adapter.Ready(ctx) {
		return "", false
	}
	out, err := t.adapter.Generate(ctx, req)
	if err != nil {
		t.log.ErrorContext(ctx, "model generation failed",
			slog.String("tool", tool),
			slog.String("error", err.Error()))
		return "", false
	}
	return out, true
}

func (t aiTools) complete(ctx context.Context, req *Request, args CompletionArgs) (*mcp.CallToolResult, error) {
	if args.Code == "" || args.Language == "" {
		return mcp.NewToolResultError("code and language are required"), nil
	}
	t.log.InfoContext(ctx, "code completion requested", slog.String("language", args.Language))

	prompt := fmt.Sprintf(`You are an expert %s programmer. Complete the following code with proper syntax and best practices.

Code to complete:
%s

Complete the code naturally and concisely:`, args.Language, fence(args.Language, args.Code))

	out, ok := t.generate(ctx, ToolCodeCompletion, GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   150,
		Temperature: 0.3, // lower temperature for more deterministic code
	})
	if !ok {
		return mcp.NewToolResultText(fallbackCompletion(args)), nil
	}
	return mcp.NewToolResultText(cleanCompletion(out)), nil
}

func (t aiTools) explain(ctx context.Context, req *Request, args ExplanationArgs) (*mcp.CallToolResult, error) {
	if args.Code == "" || args.Language == "" {
		return mcp.NewToolResultError("code and language are required"), nil
	}
	if args.DetailLevel == "" {
		args.DetailLevel = "detailed"
	}
	t.log.InfoContext(ctx, "code explanation requested",
		slog.String("language", args.Language),
		slog.String("detail_level", args.DetailLevel))

	var sb strings.Builder
	fmt.Fprintf(&sb, `You are an expert %s programmer. Explain what this code does.

Code:
%s

`, args.Language, fence(args.Language, args.Code))
	if args.Focus != "" {
		fmt.Fprintf(&sb, "Focus on: %s\n\n", args.Focus)
	}
	fmt.Fprintf(&sb, `Provide a %s technical explanation covering:
- What the code does
- How it works
- Key concepts used
- Any notable patterns or techniques`, args.DetailLevel)

	out, ok := t.generate(ctx, ToolCodeExplanation, GenerateRequest{
		Prompt:      sb.String(),
		MaxTokens:   300,
		Temperature: 0.5,
	})
	if !ok {
		return mcp.NewToolResultText(fallbackExplanation(args)), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (t aiTools) debug(ctx context.Context, req *Request, args DebugArgs) (*mcp.CallToolResult, error) {
	if args.Code == "" || args.Language == "" {
		return mcp.NewToolResultError("code and language are required"), nil
	}
	t.log.InfoContext(ctx, "debug assistance requested", slog.String("language", args.Language))

	var sb strings.Builder
	fmt.Fprintf(&sb, `You are an expert %s programmer and debugger. Analyze this code and provide debugging assistance.

Code:
%s
`, args.Language, fence(args.Language, args.Code))
	if args.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\nError message: %s", args.ErrorMessage)
	}
	if args.ExpectedBehavior != "" {
		fmt.Fprintf(&sb, "\nExpected behavior: %s", args.ExpectedBehavior)
	}
	if args.ActualBehavior != "" {
		fmt.Fprintf(&sb, "\nActual behavior: %s", args.ActualBehavior)
	}
	sb.WriteString(`

Please provide:
1. Analysis of the issue
2. Explanation of what's causing the problem
3. Specific suggestions to fix it
4. Best practices to prevent similar issues`)

	out, ok := t.generate(ctx, ToolDebugAssistance, GenerateRequest{
		Prompt:      sb.String(),
		MaxTokens:   400,
		Temperature: 0.4,
	})
	if !ok {
		return mcp.NewToolResultText(fallbackDebug(args)), nil
	}
	return mcp.NewToolResultText(out), nil
}

func fence(language, code string) string {
	return "```" + language + "\n" + code + "\n```"
}

// cleanCompletion strips generation artifacts: surrounding whitespace and
// a wrapping markdown code block if present.
func cleanCompletion(out string) string {
	cleaned := strings.TrimSpace(out)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) > 2 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	return cleaned
}

func fallbackCompletion(args CompletionArgs) string {
	snippet := args.Code
	if len(snippet) > 50 {
		snippet = snippet[:50]
	}
	return fmt.Sprintf("# AI model not available - completion for %s code\n# Original: %s...", args.Language, snippet)
}

func fallbackExplanation(args ExplanationArgs) string {
	return fmt.Sprintf("# Code Explanation (%s)\n\nThis %s code:\n%s\n\nAI model not available for detailed explanation.",
		args.DetailLevel, args.Language, fence(args.Language, args.Code))
}

func fallbackDebug(args DebugArgs) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Debug Analysis for %s\n\n", args.Language)
	fmt.Fprintf(&sb, "**Code:**\n%s\n\n", fence(args.Language, args.Code))
	if args.ErrorMessage != "" {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", args.ErrorMessage)
	}
	if args.ExpectedBehavior != "" {
		fmt.Fprintf(&sb, "**Expected:** %s\n\n", args.ExpectedBehavior)
	}
	if args.ActualBehavior != "" {
		fmt.Fprintf(&sb, "**Actual:** %s\n\n", args.ActualBehavior)
	}
	sb.WriteString("AI model not available for detailed debugging analysis.")
	return sb.String()
}
