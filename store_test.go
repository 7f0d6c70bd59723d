package main

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedbackbot-test.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSession(t *testing.T, store *Store, channels ...string) Session {
	t.Helper()
	if len(channels) == 0 {
		channels = []string{"C001"}
	}
	session := Session{
		SessionID: NewSessionID(time.Now()),
		OwnerID:   "U100",
		Channels:  channels,
		StartDate: "2026-08-01",
		EndDate:   "2026-08-15",
		Status:    SessionStatusActive,
		CreatedAt: time.Now(),
	}
	if err := store.CreateSession(session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func testItem(sessionID, channelID string, index int, title string) FeedbackItem {
	now := time.Now()
	return FeedbackItem{
		SessionID:         sessionID,
		ChannelID:         channelID,
		Index:             index,
		Title:             title,
		Description:       "description for " + title,
		Type:              "BUG",
		Priority:          "MEDIUM",
		Status:            ItemStatusIncluded,
		CreatedAt:         now,
		LastModified:      now,
		LastTransactionID: newTransactionID("txn_"),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001", "C002")

	got, err := store.GetSession(session.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.SessionID != session.SessionID || got.OwnerID != "U100" || got.Status != SessionStatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}
	if len(got.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %v", got.Channels)
	}

	// One empty ChannelConfig per channel was created alongside.
	cfg, err := store.GetChannelConfig(session.SessionID, "C002")
	if err != nil {
		t.Fatalf("GetChannelConfig failed: %v", err)
	}
	if cfg.ProjectKey != "" {
		t.Fatalf("expected empty project key, got %q", cfg.ProjectKey)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession("missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestFeedbackItemOrderingAcrossIndices(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")

	// Enough items that lexicographic sk order would diverge from numeric
	// order without zero-padding (2 vs 10).
	var items []FeedbackItem
	for i := 0; i <= 11; i++ {
		items = append(items, testItem(session.SessionID, "C001", i, "item"))
	}
	if err := store.AddFeedbackItems(items); err != nil {
		t.Fatalf("AddFeedbackItems failed: %v", err)
	}

	got, err := store.GetFeedbackItems(session.SessionID, "C001")
	if err != nil {
		t.Fatalf("GetFeedbackItems failed: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("expected 12 items, got %d", len(got))
	}
	for i, item := range got {
		if item.Index != i {
			t.Fatalf("item %d has index %d, want %d", i, item.Index, i)
		}
	}
}

func TestMaxFeedbackIndexPerChannel(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001", "C002")

	if err := store.AddFeedbackItems([]FeedbackItem{
		testItem(session.SessionID, "C001", 0, "a"),
		testItem(session.SessionID, "C001", 1, "b"),
		testItem(session.SessionID, "C002", 0, "c"),
	}); err != nil {
		t.Fatalf("AddFeedbackItems failed: %v", err)
	}

	max1, err := store.MaxFeedbackIndex(session.SessionID, "C001")
	if err != nil {
		t.Fatalf("MaxFeedbackIndex failed: %v", err)
	}
	if max1 != 1 {
		t.Fatalf("C001 max index = %d, want 1", max1)
	}
	max2, _ := store.MaxFeedbackIndex(session.SessionID, "C002")
	if max2 != 0 {
		t.Fatalf("C002 max index = %d, want 0", max2)
	}
	maxEmpty, _ := store.MaxFeedbackIndex(session.SessionID, "C999")
	if maxEmpty != -1 {
		t.Fatalf("empty channel max index = %d, want -1", maxEmpty)
	}
}

func TestAddFeedbackItemsRequiresSession(t *testing.T) {
	store := newTestStore(t)
	err := store.AddFeedbackItems([]FeedbackItem{testItem("ghost", "C001", 0, "a")})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for missing session, got %v", err)
	}
}

func TestUpdateFeedbackItemWritesEditTransaction(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")
	if err := store.AddFeedbackItems([]FeedbackItem{testItem(session.SessionID, "C001", 0, "original")}); err != nil {
		t.Fatalf("AddFeedbackItems failed: %v", err)
	}

	txnID, at, err := store.UpdateFeedbackItem(session.SessionID, "C001", 0,
		map[string]string{"title": "updated", "priority": "critical"}, "U200")
	if err != nil {
		t.Fatalf("UpdateFeedbackItem failed: %v", err)
	}
	if !strings.HasPrefix(txnID, "EDIT#") {
		t.Fatalf("expected EDIT# transaction id, got %q", txnID)
	}
	if at.IsZero() {
		t.Fatal("expected non-zero update time")
	}

	item, err := store.GetFeedbackItem(session.SessionID, "C001", 0)
	if err != nil {
		t.Fatalf("GetFeedbackItem failed: %v", err)
	}
	if item.Title != "updated" {
		t.Fatalf("title = %q, want updated", item.Title)
	}
	if item.Priority != "HIGH" {
		t.Fatalf("priority = %q, want HIGH (critical normalizes)", item.Priority)
	}
	if item.LastTransactionID != txnID {
		t.Fatalf("item txn id = %q, want %q", item.LastTransactionID, txnID)
	}

	history, err := store.TransactionHistory(session.SessionID, feedbackSK("C001", 0))
	if err != nil {
		t.Fatalf("TransactionHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 log entries (add + edit), got %d", len(history))
	}
	last := history[len(history)-1]
	if last.Op != "UPDATE_ITEM" || last.Actor != "U200" {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestUpdateFeedbackItemMissingItem(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")

	_, _, err := store.UpdateFeedbackItem(session.SessionID, "C001", 42, map[string]string{"title": "x"}, "U1")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Kind != "item" {
		t.Fatalf("expected item not-found, got kind %q", nf.Kind)
	}
}

func TestSetChannelConfigLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")

	if _, _, err := store.SetChannelConfig(session.SessionID, "C001", "PROJ", "U1"); err != nil {
		t.Fatalf("first SetChannelConfig failed: %v", err)
	}
	txn2, _, err := store.SetChannelConfig(session.SessionID, "C001", "OTHER", "U2")
	if err != nil {
		t.Fatalf("second SetChannelConfig failed: %v", err)
	}
	if !strings.HasPrefix(txn2, "CONFIG#") {
		t.Fatalf("expected CONFIG# transaction id, got %q", txn2)
	}

	cfg, err := store.GetChannelConfig(session.SessionID, "C001")
	if err != nil {
		t.Fatalf("GetChannelConfig failed: %v", err)
	}
	if cfg.ProjectKey != "OTHER" {
		t.Fatalf("project key = %q, want OTHER", cfg.ProjectKey)
	}

	// Both writes stay queryable in the transaction log.
	history, err := store.TransactionHistory(session.SessionID, skConfigPrefix+"C001")
	if err != nil {
		t.Fatalf("TransactionHistory failed: %v", err)
	}
	setWrites := 0
	for _, e := range history {
		if e.Op == "SET_PROJECT_KEY" {
			setWrites++
		}
	}
	if setWrites != 2 {
		t.Fatalf("expected 2 SET_PROJECT_KEY entries, got %d", setWrites)
	}
}

func TestPutTicketRecordRejectsSecondWrite(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")

	rec := TicketRecord{SessionID: session.SessionID, ItemID: "C001#0", TicketKey: "PROJ-1", TicketURL: "https://jira.example.com/browse/PROJ-1", CreatedBy: "U1"}
	saved, err := store.PutTicketRecord(rec)
	if err != nil {
		t.Fatalf("PutTicketRecord failed: %v", err)
	}
	if saved.TransactionID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("expected populated transaction id and time, got %+v", saved)
	}

	if _, err := store.PutTicketRecord(rec); err == nil {
		t.Fatal("expected second PutTicketRecord for same item to fail")
	}

	got, ok, err := store.GetTicketRecord(session.SessionID, "C001#0")
	if err != nil || !ok {
		t.Fatalf("GetTicketRecord: ok=%v err=%v", ok, err)
	}
	if got.TicketKey != "PROJ-1" {
		t.Fatalf("ticket key = %q, want PROJ-1", got.TicketKey)
	}

	_, ok, err = store.GetTicketRecord(session.SessionID, "C001#99")
	if err != nil || ok {
		t.Fatalf("expected absent record: ok=%v err=%v", ok, err)
	}
}

func TestPutDuplicateRecordUpserts(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")

	first, err := store.PutDuplicateRecord(DuplicateRecord{
		SessionID: session.SessionID, ItemID: "C001#0",
		MatchedTicketKey: "PROJ-7", SimilarityScore: 0.82,
		MatchType: "content_similarity", RecordedBy: "U1",
	})
	if err != nil {
		t.Fatalf("first PutDuplicateRecord failed: %v", err)
	}
	second, err := store.PutDuplicateRecord(DuplicateRecord{
		SessionID: session.SessionID, ItemID: "C001#0",
		MatchedTicketKey: "PROJ-9", SimilarityScore: 0.91,
		MatchType: "content_similarity", RecordedBy: "U1",
	})
	if err != nil {
		t.Fatalf("second PutDuplicateRecord failed: %v", err)
	}
	if first.TransactionID == second.TransactionID {
		t.Fatal("expected distinct transaction ids per write")
	}

	recs, err := store.GetDuplicateRecords(session.SessionID)
	if err != nil {
		t.Fatalf("GetDuplicateRecords failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 current record, got %d", len(recs))
	}
	if recs[0].MatchedTicketKey != "PROJ-9" {
		t.Fatalf("current record key = %q, want PROJ-9 (last write wins)", recs[0].MatchedTicketKey)
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession(t, store, "C001")

	if err := store.UpdateSessionStatus(session.SessionID, SessionStatusCompleted, "U1"); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	got, _ := store.GetSession(session.SessionID)
	if got.Status != SessionStatusCompleted {
		t.Fatalf("status = %q, want COMPLETED", got.Status)
	}

	if err := store.UpdateSessionStatus("missing", SessionStatusCompleted, "U1"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestListStaleActiveSessions(t *testing.T) {
	store := newTestStore(t)
	oldSession := newTestSession(t, store, "C001")
	doneSession := newTestSession(t, store, "C002")
	if err := store.UpdateSessionStatus(doneSession.SessionID, SessionStatusCompleted, "U1"); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	// Cutoff in the future: every ACTIVE session is stale.
	ids, err := store.ListStaleActiveSessions(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListStaleActiveSessions failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != oldSession.SessionID {
		t.Fatalf("expected only the active session, got %v", ids)
	}

	// Cutoff in the past: nothing qualifies.
	ids, err = store.ListStaleActiveSessions(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleActiveSessions failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no stale sessions, got %v", ids)
	}
}
