package main

import (
	"strings"
	"testing"
)

func TestParseExtractionResponsePlainArray(t *testing.T) {
	items, err := parseExtractionResponse(`[{"title": "A", "type": "BUG", "priority": "HIGH", "description": "d"}]`)
	if err != nil {
		t.Fatalf("parseExtractionResponse failed: %v", err)
	}
	if len(items) != 1 || items[0].Title != "A" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestParseExtractionResponseStripsCodeFences(t *testing.T) {
	fenced := "```json\n[{\"title\": \"A\", \"type\": \"BUG\", \"priority\": \"HIGH\", \"description\": \"d\"}]\n```"
	items, err := parseExtractionResponse(fenced)
	if err != nil {
		t.Fatalf("parseExtractionResponse failed: %v", err)
	}
	if len(items) != 1 || items[0].Title != "A" {
		t.Fatalf("unexpected items: %+v", items)
	}

	bare := "```\n[]\n```"
	items, err = parseExtractionResponse(bare)
	if err != nil {
		t.Fatalf("parseExtractionResponse failed on bare fence: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty list, got %+v", items)
	}
}

func TestParseExtractionResponseWrappedObject(t *testing.T) {
	items, err := parseExtractionResponse(`{"feedback": [{"title": "A", "type": "BUG", "priority": "HIGH", "description": "d"}]}`)
	if err != nil {
		t.Fatalf("feedback wrapper failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item from feedback wrapper, got %d", len(items))
	}

	items, err = parseExtractionResponse(`{"items": [{"title": "B", "type": "BUG", "priority": "LOW", "description": "d"}]}`)
	if err != nil {
		t.Fatalf("items wrapper failed: %v", err)
	}
	if len(items) != 1 || items[0].Title != "B" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestParseExtractionResponseMalformed(t *testing.T) {
	_, err := parseExtractionResponse("I could not find any feedback, sorry!")
	if err == nil {
		t.Fatal("expected parse error for non-JSON output")
	}
	if !strings.Contains(err.Error(), "parsing extraction response") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateExtractedItemsDropsIncomplete(t *testing.T) {
	raw := []extractedItem{
		{Title: "Good", Description: "d", Type: "bug", Priority: "critical"},
		{Title: "", Description: "d", Type: "BUG", Priority: "HIGH"},
		{Title: "No description", Description: "  ", Type: "BUG", Priority: "HIGH"},
		{Title: "No type", Description: "d", Type: "", Priority: "HIGH"},
		{Title: "No priority", Description: "d", Type: "BUG", Priority: ""},
	}
	items := validateExtractedItems(raw)
	if len(items) != 1 {
		t.Fatalf("expected 1 valid item, got %d", len(items))
	}
	got := items[0]
	if got.Title != "Good" || got.Type != "BUG" || got.Priority != "HIGH" {
		t.Fatalf("unexpected item: %+v", got)
	}
	if got.Status != ItemStatusIncluded {
		t.Fatalf("status = %q, want INCLUDED by default", got.Status)
	}
}

func TestBuildExtractionPromptsGroupsThreads(t *testing.T) {
	messages := []ChatMessage{
		{UserID: "U1", Reporter: "alice", Text: "export is broken", TS: "100.1"},
		{UserID: "U2", Reporter: "bob", Text: "same here", TS: "100.2", ThreadTS: "100.1"},
		{UserID: "U3", Reporter: "carol", Text: "unrelated note", TS: "200.1"},
	}
	system, user := buildExtractionPrompts(messages)

	if !strings.Contains(system, "JSON") {
		t.Fatal("system prompt should demand JSON output")
	}
	if !strings.Contains(user, "[alice]: export is broken") || !strings.Contains(user, "[bob]: same here") {
		t.Fatalf("thread messages missing from prompt:\n%s", user)
	}
	// The reply must appear in its parent's thread block, before the
	// separator that precedes the next thread.
	aliceIdx := strings.Index(user, "[alice]")
	bobIdx := strings.Index(user, "[bob]")
	carolIdx := strings.Index(user, "[carol]")
	if !(aliceIdx < bobIdx && bobIdx < carolIdx) {
		t.Fatalf("expected thread grouping alice < bob < carol, got %d %d %d", aliceIdx, bobIdx, carolIdx)
	}
	if got := strings.Count(user, "\n---\n"); got != 2 {
		t.Fatalf("expected 2 thread separators, got %d", got)
	}
}

func TestBuildExtractionPromptsFallsBackToUserID(t *testing.T) {
	_, user := buildExtractionPrompts([]ChatMessage{
		{UserID: "U999", Text: "something broke", TS: "1.0"},
	})
	if !strings.Contains(user, "[U999]: something broke") {
		t.Fatalf("expected raw user id attribution:\n%s", user)
	}
}

func TestExtractFeedbackItemsEmptyInput(t *testing.T) {
	items, usage, err := ExtractFeedbackItems(Config{}, nil)
	if err != nil {
		t.Fatalf("empty input must not call a provider: %v", err)
	}
	if items != nil || usage.InputTokens != 0 {
		t.Fatalf("expected zero-value result, got items=%v usage=%+v", items, usage)
	}
}
