package main

import (
	"fmt"
	"log"
	"sort"
	"time"
)

// Allowed update fields for updateFeedbackItem. Anything else is rejected
// before any write happens.
var allowedItemFields = map[string]bool{
	"title":              true,
	"description":        true,
	"priority":           true,
	"type":               true,
	"user_impact":        true,
	"current_behavior":   true,
	"expected_behavior":  true,
	"additional_context": true,
	"status":             true,
}

// SessionManager owns the session lifecycle: creation, item ingestion,
// edits, include/exclude, project-key binding. Every mutation flows
// through the store's transactional path.
type SessionManager struct {
	store   *Store
	metrics *Metrics
}

func NewSessionManager(store *Store, metrics *Metrics) *SessionManager {
	return &SessionManager{store: store, metrics: metrics}
}

// StartSession validates the date range and channel list, persists the
// session METADATA plus one ChannelConfig per channel, and returns the new
// session.
func (m *SessionManager) StartSession(userID string, channels []string, startDate, endDate string) (Session, error) {
	if _, _, err := ParseDateRange(startDate, endDate); err != nil {
		return Session{}, err
	}
	if len(channels) == 0 {
		return Session{}, validationErrorf("at least one channel must be specified")
	}

	now := time.Now()
	session := Session{
		SessionID: NewSessionID(now),
		OwnerID:   userID,
		Channels:  channels,
		StartDate: startDate,
		EndDate:   endDate,
		Status:    SessionStatusActive,
		CreatedAt: now,
	}
	if err := m.store.CreateSession(session); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}

	m.metrics.SessionStarted(userID)
	log.Printf("session started id=%s user=%s channels=%d range=%s..%s",
		session.SessionID, userID, len(channels), startDate, endDate)
	return session, nil
}

// AddFeedbackItems appends items to a channel with sequential indices
// starting at the current max+1. Indices are never reused, even after an
// item is excluded.
func (m *SessionManager) AddFeedbackItems(sessionID, channelID string, items []FeedbackItem) ([]FeedbackItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if _, err := m.store.GetSession(sessionID); err != nil {
		return nil, err
	}

	maxIndex, err := m.store.MaxFeedbackIndex(sessionID, channelID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range items {
		items[i].SessionID = sessionID
		items[i].ChannelID = channelID
		items[i].Index = maxIndex + 1 + i
		items[i].Type = NormalizeItemType(items[i].Type)
		items[i].Priority = NormalizePriority(items[i].Priority)
		if items[i].Status == "" {
			items[i].Status = ItemStatusIncluded
		}
		items[i].CreatedAt = now
		items[i].LastModified = now
		items[i].LastTransactionID = newTransactionID("txn_")
	}
	if err := m.store.AddFeedbackItems(items); err != nil {
		return nil, fmt.Errorf("adding feedback items: %w", err)
	}

	m.metrics.ItemsCollected(channelID, len(items))
	log.Printf("items added session=%s channel=%s count=%d first_index=%d",
		sessionID, channelID, len(items), items[0].Index)
	return items, nil
}

// UpdateFeedbackItem whitelist-validates the update keys and writes the
// item transactionally. Unknown keys fail with InvalidFieldError before
// anything is written.
func (m *SessionManager) UpdateFeedbackItem(sessionID, channelID string, index int, updates map[string]string, userID string) (string, time.Time, error) {
	var invalid []string
	for field := range updates {
		if !allowedItemFields[field] {
			invalid = append(invalid, field)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return "", time.Time{}, &InvalidFieldError{Fields: invalid}
	}

	txnID, at, err := m.store.UpdateFeedbackItem(sessionID, channelID, index, updates, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	log.Printf("item updated session=%s item=%s#%d txn=%s user=%s", sessionID, channelID, index, txnID, userID)
	return txnID, at, nil
}

// ExcludeItem and IncludeItem are convenience wrappers over the
// transactional update path.
func (m *SessionManager) ExcludeItem(sessionID, channelID string, index int, userID string) error {
	_, _, err := m.UpdateFeedbackItem(sessionID, channelID, index, map[string]string{"status": ItemStatusExcluded}, userID)
	return err
}

func (m *SessionManager) IncludeItem(sessionID, channelID string, index int, userID string) error {
	_, _, err := m.UpdateFeedbackItem(sessionID, channelID, index, map[string]string{"status": ItemStatusIncluded}, userID)
	return err
}

// SetProjectKey validates the tracker key format before binding it to a
// channel. Last write wins; every write is logged.
func (m *SessionManager) SetProjectKey(sessionID, channelID, projectKey, userID string) error {
	if !IsValidProjectKey(projectKey) {
		m.metrics.InvalidProjectKey(channelID, userID)
		return &InvalidProjectKeyError{Key: projectKey}
	}
	txnID, _, err := m.store.SetChannelConfig(sessionID, channelID, projectKey, userID)
	if err != nil {
		return err
	}
	log.Printf("project key set session=%s channel=%s key=%s txn=%s", sessionID, channelID, projectKey, txnID)
	return nil
}

func (m *SessionManager) GetChannelConfig(sessionID, channelID string) (ChannelConfig, error) {
	return m.store.GetChannelConfig(sessionID, channelID)
}

// SessionWithItems is a loaded session plus its items grouped by channel.
type SessionWithItems struct {
	Session        Session
	ItemsByChannel map[string][]FeedbackItem
}

// GetSessionWithItems loads METADATA plus all FEEDBACK items. Missing
// metadata is NotFoundError.
func (m *SessionManager) GetSessionWithItems(sessionID string) (SessionWithItems, error) {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return SessionWithItems{}, err
	}
	items, err := m.store.GetFeedbackItems(sessionID, "")
	if err != nil {
		return SessionWithItems{}, fmt.Errorf("loading feedback items: %w", err)
	}

	byChannel := make(map[string][]FeedbackItem)
	for _, item := range items {
		byChannel[item.ChannelID] = append(byChannel[item.ChannelID], item)
	}
	return SessionWithItems{Session: session, ItemsByChannel: byChannel}, nil
}

// CompleteSession marks a session COMPLETED. Records stay readable until
// external cleanup removes them.
func (m *SessionManager) CompleteSession(sessionID, userID string) error {
	return m.store.UpdateSessionStatus(sessionID, SessionStatusCompleted, userID)
}
