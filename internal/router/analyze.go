package router

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Content categories produced by the analyzer.
const (
	CategoryCode     = "code"
	CategoryCreative = "creative"
	CategoryAnalysis = "analysis"
	CategoryGeneral  = "general"
)

// Complexity levels.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Intents.
const (
	IntentQuestion    = "question"
	IntentGeneration  = "generation"
	IntentTranslation = "translation"
	IntentSummary     = "summary"
	IntentChat        = "chat"
)

const imageTokenEstimate = 1500

// Analysis is the derived view of a request body the rule conditions
// evaluate against.
type Analysis struct {
	Model           string
	EstimatedTokens int
	UserText        string // all user text, concatenated
	LastUserMessage string
	WordCount       int
	HasTools        bool
	HasImages       bool
	HasCode         bool
	Language        string
	Category        string
	Complexity      string
	Intent          string
}

// Analyze derives routing signals from a canonical request body. The body
// is treated as opaque JSON; absent fields yield zero values.
func Analyze(body []byte) Analysis {
	a := Analysis{
		Model:    gjson.GetBytes(body, "model").String(),
		HasTools: gjson.GetBytes(body, "tools.#").Int() > 0,
	}

	var sb strings.Builder
	charCount := 0
	imageCount := 0

	if system := gjson.GetBytes(body, "system"); system.Exists() {
		charCount += len(system.String())
	}

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")
		var text string
		if content.IsArray() {
			var parts []string
			content.ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "text":
					parts = append(parts, block.Get("text").String())
				case "image":
					imageCount++
				case "tool_result":
					parts = append(parts, block.Get("content").String())
				}
				return true
			})
			text = strings.Join(parts, "\n")
		} else {
			text = content.String()
		}
		charCount += len(text)
		if role == "user" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(text)
			a.LastUserMessage = text
		}
		return true
	})

	a.UserText = sb.String()
	a.WordCount = len(strings.Fields(a.UserText))
	a.HasImages = imageCount > 0
	a.EstimatedTokens = estimateTokens(a.Model, charCount) + imageCount*imageTokenEstimate

	classify(&a)
	return a
}

// estimateTokens approximates prompt tokens from character count: Claude
// models average ~3.5 chars/token, OpenAI-style models ~4.
func estimateTokens(model string, chars int) int {
	if strings.Contains(strings.ToLower(model), "claude") {
		return int(float64(chars) / 3.5)
	}
	return chars / 4
}

var codeMarkers = []string{"```", "func ", "def ", "class ", "import ", "#include", "console.log", "SELECT ", "select * from"}

var languageMarkers = map[string][]string{
	"go":         {"func ", "package main", ":= ", "go.mod"},
	"python":     {"def ", "import numpy", "print(", "self."},
	"javascript": {"console.log", "const ", "=> {", "require("},
	"rust":       {"fn main", "let mut", "impl "},
	"sql":        {"SELECT ", "select * from", "INSERT INTO"},
	"java":       {"public static void", "System.out"},
}

// classify fills category, complexity, code signals, and intent with
// keyword heuristics over the user text.
func classify(a *Analysis) {
	text := a.UserText
	lower := strings.ToLower(text)

	for _, marker := range codeMarkers {
		if strings.Contains(text, marker) {
			a.HasCode = true
			break
		}
	}
	if a.HasCode {
		for lang, markers := range languageMarkers {
			for _, m := range markers {
				if strings.Contains(text, m) {
					a.Language = lang
					break
				}
			}
			if a.Language != "" {
				break
			}
		}
	}

	switch {
	case a.HasCode || containsAny(lower, "debug", "refactor", "compile", "stack trace", "unit test"):
		a.Category = CategoryCode
	case containsAny(lower, "write a story", "poem", "creative", "fiction", "lyrics"):
		a.Category = CategoryCreative
	case containsAny(lower, "analyze", "compare", "evaluate", "pros and cons", "assess"):
		a.Category = CategoryAnalysis
	default:
		a.Category = CategoryGeneral
	}

	switch {
	case a.WordCount > 500 || a.EstimatedTokens > 10000 || a.HasTools:
		a.Complexity = ComplexityHigh
	case a.WordCount > 100 || a.HasCode:
		a.Complexity = ComplexityMedium
	default:
		a.Complexity = ComplexityLow
	}

	switch {
	case containsAny(lower, "translate", "translation"):
		a.Intent = IntentTranslation
	case containsAny(lower, "summarize", "summary", "tl;dr"):
		a.Intent = IntentSummary
	case strings.Contains(text, "?") || containsAny(lower, "what ", "why ", "how ", "when ", "where "):
		a.Intent = IntentQuestion
	case containsAny(lower, "write", "generate", "create", "implement", "build"):
		a.Intent = IntentGeneration
	default:
		a.Intent = IntentChat
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
