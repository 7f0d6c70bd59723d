package main

import (
	"log"
	"sync/atomic"
)

// Metrics is a fire-and-forget counter sink. Emission is a log line plus
// an in-process counter; nothing here can fail a caller.
type Metrics struct {
	sessionsStarted   atomic.Int64
	itemsCollected    atomic.Int64
	duplicatesFound   atomic.Int64
	ticketsCreated    atomic.Int64
	ticketsFailed     atomic.Int64
	channelAccessErrs atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) SessionStarted(userID string) {
	m.sessionsStarted.Add(1)
	log.Printf("metric session_started user=%s total=%d", userID, m.sessionsStarted.Load())
}

func (m *Metrics) ItemsCollected(channelID string, count int) {
	m.itemsCollected.Add(int64(count))
	log.Printf("metric items_collected channel=%s count=%d total=%d", channelID, count, m.itemsCollected.Load())
}

func (m *Metrics) DuplicateFound(sessionID, matchType string) {
	m.duplicatesFound.Add(1)
	log.Printf("metric duplicate_found session=%s type=%s total=%d", sessionID, matchType, m.duplicatesFound.Load())
}

func (m *Metrics) TicketCreated(sessionID, channelID string) {
	m.ticketsCreated.Add(1)
	log.Printf("metric ticket_created session=%s channel=%s total=%d", sessionID, channelID, m.ticketsCreated.Load())
}

func (m *Metrics) TicketFailed(sessionID, channelID string) {
	m.ticketsFailed.Add(1)
	log.Printf("metric ticket_failed session=%s channel=%s total=%d", sessionID, channelID, m.ticketsFailed.Load())
}

func (m *Metrics) ChannelAccessError(channelID, reason string) {
	m.channelAccessErrs.Add(1)
	log.Printf("metric channel_access_error channel=%s reason=%s total=%d", channelID, reason, m.channelAccessErrs.Load())
}

func (m *Metrics) InvalidProjectKey(channelID, userID string) {
	log.Printf("metric invalid_project_key channel=%s user=%s", channelID, userID)
}

func (m *Metrics) ReconcileBatch(sessionID string, created, duplicates, errors int) {
	log.Printf("metric reconcile_batch session=%s created=%d duplicates=%d errors=%d", sessionID, created, duplicates, errors)
}
