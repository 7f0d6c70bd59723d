package main

import (
	"fmt"
	"strings"
	"time"
)

const (
	SessionStatusActive    = "ACTIVE"
	SessionStatusCompleted = "COMPLETED"

	ItemStatusIncluded = "INCLUDED"
	ItemStatusExcluded = "EXCLUDED"
)

// Session is one feedback-collection run: an owner, a set of channels, and
// an inclusive calendar date range. Only Status mutates after creation.
type Session struct {
	SessionID string    `json:"sessionId"`
	OwnerID   string    `json:"ownerUserId"`
	Channels  []string  `json:"channels"`
	StartDate string    `json:"startDate"` // YYYY-MM-DD, inclusive
	EndDate   string    `json:"endDate"`   // YYYY-MM-DD, inclusive
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelConfig binds a tracker project key to one channel within a
// session. Last write wins; every write is transactionally logged.
type ChannelConfig struct {
	SessionID  string `json:"sessionId"`
	ChannelID  string `json:"channelId"`
	ProjectKey string `json:"projectKey"`
}

// FeedbackItem is one candidate ticket extracted from conversation text.
// Index is a stable ordinal within the channel, assigned at ingestion and
// never reused, even after exclusion.
type FeedbackItem struct {
	SessionID         string    `json:"sessionId"`
	ChannelID         string    `json:"channelId"`
	Index             int       `json:"index"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Type              string    `json:"type"`     // BUG, FEATURE, IMPROVEMENT
	Priority          string    `json:"priority"` // HIGH, MEDIUM, LOW
	UserImpact        string    `json:"user_impact"`
	CurrentBehavior   string    `json:"current_behavior"`
	ExpectedBehavior  string    `json:"expected_behavior"`
	AdditionalContext string    `json:"additional_context"`
	ReporterName      string    `json:"reporter_name,omitempty"`
	ReporterEmail     string    `json:"reporter_email,omitempty"`
	SourceTS          string    `json:"source_ts,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	LastModified      time.Time `json:"lastModified"`
	LastTransactionID string    `json:"lastTransactionId"`
}

// ItemID is the key used for duplicate and ticket records: channel#index.
func (it FeedbackItem) ItemID() string {
	return fmt.Sprintf("%s#%d", it.ChannelID, it.Index)
}

func (it FeedbackItem) Included() bool {
	return it.Status != ItemStatusExcluded
}

// DuplicateRecord is evidence that an item matched an existing ticket or a
// sibling item. Repeated reconcile attempts accumulate log entries.
type DuplicateRecord struct {
	SessionID        string    `json:"sessionId"`
	ItemID           string    `json:"itemId"`
	MatchedTicketKey string    `json:"matchedTicketKey"`
	SimilarityScore  float64   `json:"similarityScore"`
	MatchType        string    `json:"matchType"` // "content_similarity" or "in_session"
	RecordedBy       string    `json:"recordedBy"`
	RecordedAt       time.Time `json:"recordedAt"`
	TransactionID    string    `json:"transactionId"`
}

// TicketRecord is evidence that a ticket was created for an item. One per
// successful creation; its presence makes re-runs skip the item.
type TicketRecord struct {
	SessionID     string    `json:"sessionId"`
	ItemID        string    `json:"itemId"`
	TicketKey     string    `json:"ticketKey"`
	TicketURL     string    `json:"ticketUrl"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	TransactionID string    `json:"transactionId"`
}

// ReconcileResult aggregates one reconcile run. Entry order is the source
// order of items (channel asc, index asc) so runs are reproducible.
type ReconcileResult struct {
	Created    []CreatedTicket
	Duplicates []DuplicateHit
	Errors     []ItemError
}

type CreatedTicket struct {
	ItemID    string
	Title     string
	TicketKey string
	TicketURL string
}

type DuplicateHit struct {
	ItemID     string
	Title      string
	MatchedKey string
	Similarity float64
	MatchType  string
}

type ItemError struct {
	ItemID string
	Title  string
	Err    string
}

const dateLayout = "2006-01-02"

// ParseDateRange validates an inclusive calendar date range.
func ParseDateRange(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse(dateLayout, strings.TrimSpace(startDate))
	if err != nil {
		return time.Time{}, time.Time{}, validationErrorf("invalid start date %q: expected YYYY-MM-DD", startDate)
	}
	end, err := time.Parse(dateLayout, strings.TrimSpace(endDate))
	if err != nil {
		return time.Time{}, time.Time{}, validationErrorf("invalid end date %q: expected YYYY-MM-DD", endDate)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, validationErrorf("end date %s is before start date %s", endDate, startDate)
	}
	return start, end, nil
}

// DateRangeTimestamps returns the Unix second bounds for a message fetch:
// start of startDate through end of endDate, inclusive.
func DateRangeTimestamps(start, end time.Time) (int64, int64) {
	oldest := start.Unix()
	latest := end.Add(24*time.Hour - time.Second).Unix()
	return oldest, latest
}

// NormalizeItemType maps free-form LLM output onto the canonical type set.
func NormalizeItemType(t string) string {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "BUG", "DEFECT":
		return "BUG"
	case "FEATURE", "NEW FEATURE", "FEATURE_REQUEST", "FEATURE REQUEST":
		return "FEATURE"
	default:
		return "IMPROVEMENT"
	}
}

// NormalizePriority maps free-form LLM output onto HIGH/MEDIUM/LOW.
func NormalizePriority(p string) string {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "HIGH", "CRITICAL", "URGENT":
		return "HIGH"
	case "LOW", "MINOR":
		return "LOW"
	default:
		return "MEDIUM"
	}
}

// MapTypeToJira converts a canonical item type to a Jira issue type name.
func MapTypeToJira(t string) string {
	switch NormalizeItemType(t) {
	case "BUG":
		return "Bug"
	case "FEATURE":
		return "New Feature"
	}
	return "Improvement"
}

// MapPriorityToJira converts a canonical priority to a Jira priority name.
func MapPriorityToJira(p string) string {
	switch NormalizePriority(p) {
	case "HIGH":
		return "High"
	case "LOW":
		return "Low"
	}
	return "Medium"
}

// FormatTicketDescription renders the ticket body with a fixed field order:
// Description, User Impact, Current Behavior, Expected Behavior, Additional
// Context, Reported By. Order is part of the contract so created tickets
// are reproducible.
func FormatTicketDescription(item FeedbackItem) string {
	orNotSpecified := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "Not specified"
		}
		return s
	}
	context := item.AdditionalContext
	if strings.TrimSpace(context) == "" {
		context = "N/A"
	}
	source := "Collected from Slack"
	if item.ReporterName != "" {
		source = fmt.Sprintf("Collected from Slack - User: %s", item.ReporterName)
		if item.SourceTS != "" {
			source += fmt.Sprintf(", Time: %s", item.SourceTS)
		}
	}
	sections := []string{
		"*Description:*\n" + orNotSpecified(item.Description),
		"*User Impact:*\n" + orNotSpecified(item.UserImpact),
		"*Current Behavior:*\n" + orNotSpecified(item.CurrentBehavior),
		"*Expected Behavior:*\n" + orNotSpecified(item.ExpectedBehavior),
		"*Additional Context:*\n" + context,
		"*Reported By:*\n" + source,
	}
	return strings.Join(sections, "\n\n")
}
