package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeTicketClient is the in-memory TicketClient used across detector and
// reconciler tests.
type fakeTicketClient struct {
	existing    []ExistingTicket
	searchErr   error
	createErr   error
	created     []TicketRequest
	searchCalls int
}

func (f *fakeTicketClient) CreateIssue(_ context.Context, req TicketRequest) (CreatedIssue, error) {
	if f.createErr != nil {
		return CreatedIssue{}, f.createErr
	}
	f.created = append(f.created, req)
	key := fmt.Sprintf("%s-%d", req.ProjectKey, 100+len(f.created))
	return CreatedIssue{Key: key, URL: "https://jira.example.com/browse/" + key}, nil
}

func (f *fakeTicketClient) SearchRecentIssues(_ context.Context, _ string, _ int) ([]ExistingTicket, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.existing, nil
}

func detectorConfig() Config {
	return Config{
		SimilarityThreshold: 0.5,
		DuplicateWindowDays: 30,
		DuplicateCacheHours: 1,
	}
}

func TestFindTrackerDuplicateMatches(t *testing.T) {
	client := &fakeTicketClient{existing: []ExistingTicket{
		{Key: "PROJ-1", Summary: "Login page is broken", Description: "Users cannot log in from the login page", URL: "https://jira.example.com/browse/PROJ-1"},
		{Key: "PROJ-2", Summary: "CSV export times out", Description: "Large exports never finish", URL: "https://jira.example.com/browse/PROJ-2"},
	}}
	d := NewDuplicateDetector(client, detectorConfig())

	match, err := d.FindTrackerDuplicate(context.Background(), "Login page is broken", "Users cannot log in from the login page", "PROJ")
	if err != nil {
		t.Fatalf("FindTrackerDuplicate failed: %v", err)
	}
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.MatchedKey != "PROJ-1" {
		t.Fatalf("matched %q, want PROJ-1", match.MatchedKey)
	}
	if match.MatchType != "content_similarity" {
		t.Fatalf("match type = %q, want content_similarity", match.MatchType)
	}
	if match.Score < d.Threshold() {
		t.Fatalf("score %f below threshold %f", match.Score, d.Threshold())
	}
	if match.MatchedURL == "" {
		t.Fatal("expected matched ticket URL")
	}
}

func TestFindTrackerDuplicateNoMatch(t *testing.T) {
	client := &fakeTicketClient{existing: []ExistingTicket{
		{Key: "PROJ-1", Summary: "Dark mode toggle missing", Description: "Theme settings have no dark option"},
	}}
	d := NewDuplicateDetector(client, detectorConfig())

	match, err := d.FindTrackerDuplicate(context.Background(), "CSV export times out", "Large exports never finish", "PROJ")
	if err != nil {
		t.Fatalf("FindTrackerDuplicate failed: %v", err)
	}
	if match != nil {
		t.Fatalf("expected no match, got %+v", match)
	}
}

func TestFindTrackerDuplicateFetchFailure(t *testing.T) {
	client := &fakeTicketClient{searchErr: errors.New("jira is down")}
	d := NewDuplicateDetector(client, detectorConfig())

	_, err := d.FindTrackerDuplicate(context.Background(), "anything", "anything", "PROJ")
	var dce *DuplicateCheckError
	if !errors.As(err, &dce) {
		t.Fatalf("expected DuplicateCheckError, got %v", err)
	}
	if dce.ProjectKey != "PROJ" {
		t.Fatalf("error project = %q, want PROJ", dce.ProjectKey)
	}
}

func TestFindTrackerDuplicatePicksBestScore(t *testing.T) {
	// Both tickets are over the threshold against the candidate; the exact
	// duplicate must win over the partial one.
	client := &fakeTicketClient{existing: []ExistingTicket{
		{Key: "PROJ-1", Summary: "Search is slow sometimes", Description: "Search queries take a long time to return results"},
		{Key: "PROJ-2", Summary: "Search is slow", Description: "Search queries take forever to return results"},
	}}
	d := NewDuplicateDetector(client, detectorConfig())

	match, err := d.FindTrackerDuplicate(context.Background(), "Search is slow", "Search queries take forever to return results", "PROJ")
	if err != nil {
		t.Fatalf("FindTrackerDuplicate failed: %v", err)
	}
	if match == nil || match.MatchedKey != "PROJ-2" {
		t.Fatalf("expected PROJ-2 (exact duplicate), got %+v", match)
	}
}

func TestRecentTicketsCachedPerProject(t *testing.T) {
	client := &fakeTicketClient{existing: []ExistingTicket{
		{Key: "PROJ-1", Summary: "anything", Description: "anything"},
	}}
	d := NewDuplicateDetector(client, detectorConfig())

	for i := 0; i < 3; i++ {
		if _, err := d.FindTrackerDuplicate(context.Background(), "unrelated candidate", "totally different body", "PROJ"); err != nil {
			t.Fatalf("FindTrackerDuplicate failed: %v", err)
		}
	}
	if client.searchCalls != 1 {
		t.Fatalf("search calls = %d, want 1 (cached)", client.searchCalls)
	}

	d.InvalidateProject("PROJ")
	if _, err := d.FindTrackerDuplicate(context.Background(), "unrelated candidate", "totally different body", "PROJ"); err != nil {
		t.Fatalf("FindTrackerDuplicate after invalidate failed: %v", err)
	}
	if client.searchCalls != 2 {
		t.Fatalf("search calls = %d, want 2 after invalidation", client.searchCalls)
	}
}

func TestFindSessionDuplicate(t *testing.T) {
	d := NewDuplicateDetector(&fakeTicketClient{}, detectorConfig())

	prior := []FeedbackItem{
		{ChannelID: "C001", Index: 0, Title: "Search is slow", Description: "Search queries take a long time to return results"},
		{ChannelID: "C001", Index: 1, Title: "Dark mode toggle missing", Description: "Theme settings have no dark option"},
	}
	candidate := FeedbackItem{
		ChannelID: "C001", Index: 2,
		Title:       "Search performance is bad",
		Description: "Search queries take a long time to return results",
	}

	match := d.FindSessionDuplicate(candidate, prior)
	if match == nil {
		t.Fatal("expected an in-session match")
	}
	if match.MatchedKey != "C001#0" {
		t.Fatalf("matched %q, want C001#0", match.MatchedKey)
	}
	if match.MatchType != "in_session" {
		t.Fatalf("match type = %q, want in_session", match.MatchType)
	}
}

func TestFindSessionDuplicateSkipsSelfAndUnrelated(t *testing.T) {
	d := NewDuplicateDetector(&fakeTicketClient{}, detectorConfig())

	self := FeedbackItem{ChannelID: "C001", Index: 0, Title: "Search is slow", Description: "body"}
	if match := d.FindSessionDuplicate(self, []FeedbackItem{self}); match != nil {
		t.Fatalf("item must not match itself, got %+v", match)
	}

	candidate := FeedbackItem{ChannelID: "C001", Index: 1, Title: "CSV export times out", Description: "Large exports never finish"}
	prior := []FeedbackItem{
		{ChannelID: "C001", Index: 0, Title: "Dark mode toggle missing", Description: "Theme settings have no dark option"},
	}
	if match := d.FindSessionDuplicate(candidate, prior); match != nil {
		t.Fatalf("unrelated items must not match, got %+v", match)
	}
}
