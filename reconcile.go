package main

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// TicketReconciler turns a session's included items into tracker tickets
// while suppressing duplicates. Items are processed sequentially in stable
// order (channel asc, then index asc); per-item failures are accumulated,
// never thrown, so one bad item cannot abort its siblings.
type TicketReconciler struct {
	store    *Store
	sessions *SessionManager
	detector *DuplicateDetector
	client   TicketClient
	metrics  *Metrics

	// lenient: when a duplicate check cannot run (tracker fetch failed),
	// proceed as if no duplicate was found instead of recording a
	// per-item error. Off by default; the failure is still logged.
	lenient bool
}

func NewTicketReconciler(store *Store, sessions *SessionManager, detector *DuplicateDetector, client TicketClient, metrics *Metrics, cfg Config) *TicketReconciler {
	return &TicketReconciler{
		store:    store,
		sessions: sessions,
		detector: detector,
		client:   client,
		metrics:  metrics,
		lenient:  cfg.DuplicateCheckLenient,
	}
}

// Reconcile processes every included item of the session against
// projectKey: duplicate-check, create-or-skip, record outcome. Re-running
// after a partial failure is safe: items that already have a TicketRecord
// are skipped, so only previously errored items are retried.
func (r *TicketReconciler) Reconcile(ctx context.Context, sessionID, projectKey, userID string) (ReconcileResult, error) {
	return r.reconcile(ctx, sessionID, "", projectKey, userID)
}

// ReconcileChannel is the channel-scoped variant used when each channel of
// a session carries its own project key.
func (r *TicketReconciler) ReconcileChannel(ctx context.Context, sessionID, channelID, projectKey, userID string) (ReconcileResult, error) {
	return r.reconcile(ctx, sessionID, channelID, projectKey, userID)
}

func (r *TicketReconciler) reconcile(ctx context.Context, sessionID, onlyChannel, projectKey, userID string) (ReconcileResult, error) {
	var result ReconcileResult

	if !IsValidProjectKey(projectKey) {
		return result, &InvalidProjectKeyError{Key: projectKey}
	}

	// Session load failure is the one fatal error of the loop.
	loaded, err := r.sessions.GetSessionWithItems(sessionID)
	if err != nil {
		return result, err
	}

	channels := make([]string, 0, len(loaded.ItemsByChannel))
	for channelID := range loaded.ItemsByChannel {
		if onlyChannel != "" && channelID != onlyChannel {
			continue
		}
		channels = append(channels, channelID)
	}
	sort.Strings(channels)

	// Items accepted so far in this batch (created now or recorded by an
	// earlier run); later candidates are checked against them so two
	// near-identical items cannot both become tickets.
	var accepted []FeedbackItem

	for _, channelID := range channels {
		for _, item := range loaded.ItemsByChannel[channelID] {
			if !item.Included() {
				continue
			}

			if existing, ok, err := r.store.GetTicketRecord(sessionID, item.ItemID()); err != nil {
				result.Errors = append(result.Errors, ItemError{ItemID: item.ItemID(), Title: item.Title, Err: err.Error()})
				continue
			} else if ok {
				log.Printf("reconcile skip session=%s item=%s ticket=%s (already created)", sessionID, item.ItemID(), existing.TicketKey)
				accepted = append(accepted, item)
				continue
			}

			if r.processItem(ctx, sessionID, projectKey, userID, item, accepted, &result) {
				accepted = append(accepted, item)
			}
		}
	}

	r.metrics.ReconcileBatch(sessionID, len(result.Created), len(result.Duplicates), len(result.Errors))
	log.Printf("reconcile done session=%s project=%s created=%d duplicates=%d errors=%d",
		sessionID, projectKey, len(result.Created), len(result.Duplicates), len(result.Errors))
	return result, nil
}

// processItem runs one item through dup-check and creation. It reports
// whether the item was accepted (a ticket now exists for it), which feeds
// the in-batch duplicate comparisons for later items.
func (r *TicketReconciler) processItem(ctx context.Context, sessionID, projectKey, userID string, item FeedbackItem, accepted []FeedbackItem, result *ReconcileResult) bool {
	// In-batch check first: cheaper, and it catches near-identical items
	// before any network call.
	if match := r.detector.FindSessionDuplicate(item, accepted); match != nil {
		r.recordDuplicate(sessionID, userID, item, match)
		result.Duplicates = append(result.Duplicates, DuplicateHit{
			ItemID:     item.ItemID(),
			Title:      item.Title,
			MatchedKey: match.MatchedKey,
			Similarity: match.Score,
			MatchType:  match.MatchType,
		})
		return false
	}

	match, err := r.detector.FindTrackerDuplicate(ctx, item.Title, item.Description, projectKey)
	if err != nil {
		if !r.lenient {
			result.Errors = append(result.Errors, ItemError{ItemID: item.ItemID(), Title: item.Title, Err: err.Error()})
			return false
		}
		// Lenient mode: proceed as no-duplicate-found. The fetch failure
		// was already logged by the detector.
		log.Printf("reconcile lenient session=%s item=%s: proceeding without duplicate check", sessionID, item.ItemID())
		match = nil
	}
	if match != nil {
		r.recordDuplicate(sessionID, userID, item, match)
		result.Duplicates = append(result.Duplicates, DuplicateHit{
			ItemID:     item.ItemID(),
			Title:      item.Title,
			MatchedKey: match.MatchedKey,
			Similarity: match.Score,
			MatchType:  match.MatchType,
		})
		return false
	}

	created, err := r.client.CreateIssue(ctx, TicketRequest{
		ProjectKey:  projectKey,
		Summary:     item.Title,
		Description: FormatTicketDescription(item),
		IssueType:   MapTypeToJira(item.Type),
		Priority:    MapPriorityToJira(item.Priority),
		Labels:      []string{"feedback-collector"},
	})
	if err != nil {
		r.metrics.TicketFailed(sessionID, item.ChannelID)
		creationErr := &TicketCreationError{Summary: item.Title, Err: err}
		result.Errors = append(result.Errors, ItemError{ItemID: item.ItemID(), Title: item.Title, Err: creationErr.Error()})
		return false
	}

	if _, err := r.store.PutTicketRecord(TicketRecord{
		SessionID: sessionID,
		ItemID:    item.ItemID(),
		TicketKey: created.Key,
		TicketURL: created.URL,
		CreatedBy: userID,
	}); err != nil {
		// The ticket exists but the record write failed; surface it so
		// the operator knows a re-run may duplicate this one item.
		result.Errors = append(result.Errors, ItemError{
			ItemID: item.ItemID(),
			Title:  item.Title,
			Err:    fmt.Sprintf("ticket %s created but recording failed: %v", created.Key, err),
		})
		return true
	}

	r.metrics.TicketCreated(sessionID, item.ChannelID)
	r.detector.InvalidateProject(projectKey)
	result.Created = append(result.Created, CreatedTicket{
		ItemID:    item.ItemID(),
		Title:     item.Title,
		TicketKey: created.Key,
		TicketURL: created.URL,
	})
	return true
}

func (r *TicketReconciler) recordDuplicate(sessionID, userID string, item FeedbackItem, match *DuplicateMatch) {
	rec := DuplicateRecord{
		SessionID:        sessionID,
		ItemID:           item.ItemID(),
		MatchedTicketKey: match.MatchedKey,
		SimilarityScore:  match.Score,
		MatchType:        match.MatchType,
		RecordedBy:       userID,
	}
	if _, err := r.store.PutDuplicateRecord(rec); err != nil {
		// Evidence write failures never suppress the duplicate decision.
		log.Printf("duplicate record write failed session=%s item=%s: %v", sessionID, item.ItemID(), err)
	}
	r.metrics.DuplicateFound(sessionID, match.MatchType)
}
