package main

import (
	"context"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DuplicateMatch is the detector's positive answer: the best-scoring
// existing ticket or sibling item at or above the threshold.
type DuplicateMatch struct {
	MatchedKey string
	MatchedURL string
	Score      float64
	MatchType  string
}

const (
	matchTypeContent   = "content_similarity"
	matchTypeInSession = "in_session"
)

// DuplicateDetector scores candidates against recent tracker tickets and
// against sibling items in the same session. Pure decision logic over
// fetched data; it never mutates store state.
type DuplicateDetector struct {
	client     TicketClient
	threshold  float64
	windowDays int
	cache      *gocache.Cache
}

func NewDuplicateDetector(client TicketClient, cfg Config) *DuplicateDetector {
	ttl := time.Duration(cfg.DuplicateCacheHours) * time.Hour
	return &DuplicateDetector{
		client:     client,
		threshold:  cfg.SimilarityThreshold,
		windowDays: cfg.DuplicateWindowDays,
		cache:      gocache.New(ttl, ttl/2),
	}
}

func (d *DuplicateDetector) Threshold() float64 {
	return d.threshold
}

// recentTickets fetches the duplicate window for a project, serving
// repeated checks within one reconcile batch (and across nearby runs)
// from the TTL cache.
func (d *DuplicateDetector) recentTickets(ctx context.Context, projectKey string) ([]ExistingTicket, error) {
	if cached, ok := d.cache.Get(projectKey); ok {
		return cached.([]ExistingTicket), nil
	}
	tickets, err := d.client.SearchRecentIssues(ctx, projectKey, d.windowDays)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(projectKey, tickets)
	return tickets, nil
}

// InvalidateProject drops the cached window after tickets were created so
// follow-up runs see them.
func (d *DuplicateDetector) InvalidateProject(projectKey string) {
	d.cache.Delete(projectKey)
}

// FindTrackerDuplicate returns the best match among the project's recent
// tickets, or nil if none reaches the threshold. A failed fetch returns a
// DuplicateCheckError so the caller can tell "could not check" apart from
// "checked, none found". Ties keep the first-encountered ticket.
func (d *DuplicateDetector) FindTrackerDuplicate(ctx context.Context, title, body, projectKey string) (*DuplicateMatch, error) {
	tickets, err := d.recentTickets(ctx, projectKey)
	if err != nil {
		log.Printf("duplicate check fetch failed project=%s: %v", projectKey, err)
		return nil, &DuplicateCheckError{ProjectKey: projectKey, Err: err}
	}

	var best *DuplicateMatch
	for _, ticket := range tickets {
		score := FieldSimilarity(title, body, ticket.Summary, ticket.Description)
		if score < d.threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &DuplicateMatch{
				MatchedKey: ticket.Key,
				MatchedURL: ticket.URL,
				Score:      score,
				MatchType:  matchTypeContent,
			}
		}
	}
	if best != nil {
		log.Printf("duplicate found project=%s key=%s score=%.3f", projectKey, best.MatchedKey, best.Score)
	}
	return best, nil
}

// FindSessionDuplicate compares a candidate against sibling items already
// accepted earlier in the batch, preventing two near-identical items from
// both becoming tickets in one run.
func (d *DuplicateDetector) FindSessionDuplicate(candidate FeedbackItem, prior []FeedbackItem) *DuplicateMatch {
	var best *DuplicateMatch
	for _, other := range prior {
		if other.ItemID() == candidate.ItemID() {
			continue
		}
		score := FieldSimilarity(candidate.Title, candidate.Description, other.Title, other.Description)
		if score < d.threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &DuplicateMatch{
				MatchedKey: other.ItemID(),
				Score:      score,
				MatchType:  matchTypeInSession,
			}
		}
	}
	return best
}
