package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// ChatMessage is one fetched channel message, already resolved to a
// display name where possible.
type ChatMessage struct {
	UserID   string
	Reporter string
	Text     string
	TS       string
	ThreadTS string
}

// extractedItem mirrors the JSON shape the model is asked to return.
type extractedItem struct {
	Title             string `json:"title"`
	Type              string `json:"type"`
	Priority          string `json:"priority"`
	Description       string `json:"description"`
	UserImpact        string `json:"user_impact"`
	CurrentBehavior   string `json:"current_behavior"`
	ExpectedBehavior  string `json:"expected_behavior"`
	AdditionalContext string `json:"additional_context"`
}

type LLMUsage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ExtractFeedbackItems runs the extraction pass over a channel's messages
// and returns validated feedback items. Model output is treated as
// untrusted: items missing any required field are discarded with a log
// line, never passed downstream.
func ExtractFeedbackItems(cfg Config, messages []ChatMessage) ([]FeedbackItem, LLMUsage, error) {
	if len(messages) == 0 {
		return nil, LLMUsage{}, nil
	}

	systemPrompt, userPrompt := buildExtractionPrompts(messages)

	var responseText string
	var usage LLMUsage
	var err error

	switch cfg.LLMProvider {
	case "openai":
		model := cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		log.Printf("llm extract provider=openai model=%s messages=%d", model, len(messages))
		responseText, usage, err = callOpenAI(cfg.OpenAIAPIKey, model, systemPrompt, userPrompt)
	default:
		model := cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		log.Printf("llm extract provider=anthropic model=%s messages=%d", model, len(messages))
		responseText, usage, err = callAnthropic(cfg.AnthropicAPIKey, model, systemPrompt, userPrompt)
	}
	if err != nil {
		return nil, usage, err
	}

	raw, err := parseExtractionResponse(responseText)
	if err != nil {
		return nil, usage, err
	}

	items := validateExtractedItems(raw)
	log.Printf("llm extract done raw=%d accepted=%d tokens_in=%d tokens_out=%d",
		len(raw), len(items), usage.InputTokens, usage.OutputTokens)
	return items, usage, nil
}

// buildExtractionPrompts groups messages by thread so scattered replies
// read as one conversation, and asks for a strict JSON array.
func buildExtractionPrompts(messages []ChatMessage) (string, string) {
	byThread := make(map[string][]ChatMessage)
	var threadOrder []string
	for _, msg := range messages {
		key := msg.ThreadTS
		if key == "" {
			key = msg.TS
		}
		if _, seen := byThread[key]; !seen {
			threadOrder = append(threadOrder, key)
		}
		byThread[key] = append(byThread[key], msg)
	}
	sort.Strings(threadOrder)

	var convo strings.Builder
	for _, key := range threadOrder {
		for _, msg := range byThread[key] {
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				continue
			}
			reporter := msg.Reporter
			if reporter == "" {
				reporter = msg.UserID
			}
			convo.WriteString(fmt.Sprintf("[%s]: %s\n", reporter, text))
		}
		convo.WriteString("---\n")
	}

	systemPrompt := `You are a product feedback analyzer. Identify product feedback, feature requests, and bug reports in the conversation and structure them into actionable items.

Rules:
- Ignore general discussion and non-feedback messages.
- Merge messages about the same underlying issue into one item.
- For each item provide: title (brief, descriptive), type (BUG, FEATURE, or IMPROVEMENT), priority (HIGH, MEDIUM, or LOW), description (detailed explanation), user_impact, current_behavior, expected_behavior, additional_context.

Respond with JSON only (no markdown):
[{"title": "...", "type": "BUG", "priority": "HIGH", "description": "...", "user_impact": "...", "current_behavior": "...", "expected_behavior": "...", "additional_context": "..."}, ...]`

	userPrompt := "Analyze these messages for product feedback (threads separated by ---):\n\n" + convo.String()
	return systemPrompt, userPrompt
}

func parseExtractionResponse(responseText string) ([]extractedItem, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var items []extractedItem
	if err := json.Unmarshal([]byte(responseText), &items); err == nil {
		return items, nil
	}

	// Some models wrap the array in an object key.
	var wrapped struct {
		Feedback []extractedItem `json:"feedback"`
		Items    []extractedItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(responseText), &wrapped); err != nil {
		truncated := responseText
		if len(truncated) > 512 {
			truncated = truncated[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(responseText))
		}
		return nil, fmt.Errorf("parsing extraction response: %w (truncated response: %s)", err, truncated)
	}
	if len(wrapped.Feedback) > 0 {
		return wrapped.Feedback, nil
	}
	return wrapped.Items, nil
}

// validateExtractedItems enforces the field-presence contract: title,
// description, type, and priority must be non-empty. Incomplete items are
// dropped, not crashed on.
func validateExtractedItems(raw []extractedItem) []FeedbackItem {
	var items []FeedbackItem
	for _, r := range raw {
		title := strings.TrimSpace(r.Title)
		description := strings.TrimSpace(r.Description)
		if title == "" || description == "" || strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.Priority) == "" {
			log.Printf("llm extract discarded incomplete item title=%q", title)
			continue
		}
		items = append(items, FeedbackItem{
			Title:             title,
			Description:       description,
			Type:              NormalizeItemType(r.Type),
			Priority:          NormalizePriority(r.Priority),
			UserImpact:        strings.TrimSpace(r.UserImpact),
			CurrentBehavior:   strings.TrimSpace(r.CurrentBehavior),
			ExpectedBehavior:  strings.TrimSpace(r.ExpectedBehavior),
			AdditionalContext: strings.TrimSpace(r.AdditionalContext),
			Status:            ItemStatusIncluded,
		})
	}
	return items
}

// --- Anthropic ---

func callAnthropic(apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", LLMUsage{}, fmt.Errorf("parsing OpenAI response: %w", err)
	}

	if openAIResp.Error != nil {
		log.Printf("llm openai api error: %s", openAIResp.Error.Message)
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", LLMUsage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := LLMUsage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}

	return openAIResp.Choices[0].Message.Content, usage, nil
}
