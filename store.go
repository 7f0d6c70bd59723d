package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Sort-key prefixes. All records for a session share the partition key
// SESSION#<id> and are range-queryable by prefix.
const (
	skMetadata       = "METADATA"
	skConfigPrefix   = "CONFIG#"
	skFeedbackPrefix = "FEEDBACK#"
	skDuplicate      = "DUPLICATE#"
	skTicketPrefix   = "JIRA#"
)

// batchChunkSize caps how many item inserts share one SQL transaction,
// mirroring the 25-item batch-write limit of the original record store.
const batchChunkSize = 25

// Store is the durable session record store: composite (pk, sk) keys over
// JSON documents, plus an append-only transaction log. Every mutation is
// conditional on the parent session METADATA row existing and writes one
// log entry keyed by a fresh transaction id.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		pk            TEXT NOT NULL,
		sk            TEXT NOT NULL,
		doc           TEXT NOT NULL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_modified DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_txn_id   TEXT DEFAULT '',
		PRIMARY KEY (pk, sk)
	);
	CREATE INDEX IF NOT EXISTS idx_records_pk ON records(pk);

	CREATE TABLE IF NOT EXISTS transactions (
		txn_id     TEXT PRIMARY KEY,
		pk         TEXT NOT NULL,
		sk         TEXT NOT NULL,
		op         TEXT NOT NULL,
		doc        TEXT NOT NULL,
		actor      TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_pk ON transactions(pk, sk);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func feedbackSK(channelID string, index int) string {
	// Zero-padded so lexicographic sk order equals numeric index order.
	return fmt.Sprintf("%s%s#%06d", skFeedbackPrefix, channelID, index)
}

// NewSessionID derives an opaque, roughly monotonic session id.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func newTransactionID(prefix string) string {
	return fmt.Sprintf("%s%s", prefix, uuid.NewString())
}

// appendTxn writes one audit log entry inside the caller's transaction.
func appendTxn(tx *sql.Tx, txnID, pk, sk, op, doc, actor string, at time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO transactions (txn_id, pk, sk, op, doc, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txnID, pk, sk, op, doc, actor, at.UTC(),
	)
	return err
}

// sessionExists is the conditional-write guard: mutations on a session's
// records require the METADATA row to still be present.
func sessionExists(tx *sql.Tx, pk string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM records WHERE pk = ? AND sk = ?`, pk, skMetadata).Scan(&n)
	return n > 0, err
}

// CreateSession persists the session METADATA row plus one empty
// ChannelConfig per channel, all in one SQL transaction.
func (s *Store) CreateSession(session Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pk := sessionPK(session.SessionID)
	now := session.CreatedAt
	txnID := newTransactionID("txn_")

	doc, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO records (pk, sk, doc, created_at, last_modified, last_txn_id) VALUES (?, ?, ?, ?, ?, ?)`,
		pk, skMetadata, string(doc), now.UTC(), now.UTC(), txnID,
	); err != nil {
		return err
	}
	if err := appendTxn(tx, txnID, pk, skMetadata, "CREATE_SESSION", string(doc), session.OwnerID, now); err != nil {
		return err
	}

	for _, channelID := range session.Channels {
		cfg := ChannelConfig{SessionID: session.SessionID, ChannelID: channelID}
		cfgDoc, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		cfgTxn := newTransactionID("CONFIG#")
		if _, err := tx.Exec(
			`INSERT INTO records (pk, sk, doc, created_at, last_modified, last_txn_id) VALUES (?, ?, ?, ?, ?, ?)`,
			pk, skConfigPrefix+channelID, string(cfgDoc), now.UTC(), now.UTC(), cfgTxn,
		); err != nil {
			return err
		}
		if err := appendTxn(tx, cfgTxn, pk, skConfigPrefix+channelID, "CREATE_CONFIG", string(cfgDoc), session.OwnerID, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetSession(sessionID string) (Session, error) {
	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM records WHERE pk = ? AND sk = ?`,
		sessionPK(sessionID), skMetadata,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, &NotFoundError{Kind: "session", Key: sessionID}
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return Session{}, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return session, nil
}

// UpdateSessionStatus flips ACTIVE -> COMPLETED. Transactionally logged
// like any other mutation.
func (s *Store) UpdateSessionStatus(sessionID, status, userID string) error {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.Status = status

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pk := sessionPK(sessionID)
	now := time.Now()
	txnID := newTransactionID("txn_")
	doc, err := json.Marshal(session)
	if err != nil {
		return err
	}
	res, err := tx.Exec(
		`UPDATE records SET doc = ?, last_modified = ?, last_txn_id = ? WHERE pk = ? AND sk = ?`,
		string(doc), now.UTC(), txnID, pk, skMetadata,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "session", Key: sessionID}
	}
	if err := appendTxn(tx, txnID, pk, skMetadata, "UPDATE_STATUS", string(doc), userID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// MaxFeedbackIndex returns the highest assigned index for a channel, or -1.
func (s *Store) MaxFeedbackIndex(sessionID, channelID string) (int, error) {
	items, err := s.GetFeedbackItems(sessionID, channelID)
	if err != nil {
		return -1, err
	}
	max := -1
	for _, it := range items {
		if it.Index > max {
			max = it.Index
		}
	}
	return max, nil
}

// AddFeedbackItems appends pre-indexed items, chunked so no more than
// batchChunkSize inserts share one SQL transaction. Conditional on the
// session still existing.
func (s *Store) AddFeedbackItems(items []FeedbackItem) error {
	for start := 0; start < len(items); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(items) {
			end = len(items)
		}
		if err := s.addFeedbackChunk(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addFeedbackChunk(items []FeedbackItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pk := sessionPK(items[0].SessionID)
	ok, err := sessionExists(tx, pk)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Kind: "session", Key: items[0].SessionID}
	}

	for _, item := range items {
		doc, err := json.Marshal(item)
		if err != nil {
			return err
		}
		sk := feedbackSK(item.ChannelID, item.Index)
		if _, err := tx.Exec(
			`INSERT INTO records (pk, sk, doc, created_at, last_modified, last_txn_id) VALUES (?, ?, ?, ?, ?, ?)`,
			pk, sk, string(doc), item.CreatedAt.UTC(), item.LastModified.UTC(), item.LastTransactionID,
		); err != nil {
			return err
		}
		if err := appendTxn(tx, item.LastTransactionID, pk, sk, "ADD_ITEM", string(doc), "", item.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetFeedbackItems range-queries FEEDBACK# records for a session. An empty
// channelID returns items across all channels, ordered by channel then
// index (the sk encoding makes that the natural sk order).
func (s *Store) GetFeedbackItems(sessionID, channelID string) ([]FeedbackItem, error) {
	prefix := skFeedbackPrefix
	if channelID != "" {
		prefix = skFeedbackPrefix + channelID + "#"
	}
	rows, err := s.db.Query(
		`SELECT doc FROM records WHERE pk = ? AND sk LIKE ? ORDER BY sk`,
		sessionPK(sessionID), prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FeedbackItem
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item FeedbackItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("decoding feedback item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) GetFeedbackItem(sessionID, channelID string, index int) (FeedbackItem, error) {
	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM records WHERE pk = ? AND sk = ?`,
		sessionPK(sessionID), feedbackSK(channelID, index),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return FeedbackItem{}, &NotFoundError{Kind: "item", Key: fmt.Sprintf("%s#%d", channelID, index)}
	}
	if err != nil {
		return FeedbackItem{}, err
	}
	var item FeedbackItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return FeedbackItem{}, fmt.Errorf("decoding feedback item: %w", err)
	}
	return item, nil
}

// UpdateFeedbackItem applies already-validated field updates to one item
// with a fresh EDIT# transaction id. The write is conditioned on both the
// session and the item existing; either missing surfaces as NotFoundError.
func (s *Store) UpdateFeedbackItem(sessionID, channelID string, index int, updates map[string]string, userID string) (string, time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", time.Time{}, err
	}
	defer tx.Rollback()

	pk := sessionPK(sessionID)
	ok, err := sessionExists(tx, pk)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, &NotFoundError{Kind: "session", Key: sessionID}
	}

	sk := feedbackSK(channelID, index)
	var doc string
	err = tx.QueryRow(`SELECT doc FROM records WHERE pk = ? AND sk = ?`, pk, sk).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, &NotFoundError{Kind: "item", Key: fmt.Sprintf("%s#%d", channelID, index)}
	}
	if err != nil {
		return "", time.Time{}, err
	}

	var item FeedbackItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding feedback item: %w", err)
	}

	applyItemUpdates(&item, updates)

	now := time.Now()
	txnID := newTransactionID("EDIT#")
	item.LastModified = now
	item.LastTransactionID = txnID

	newDoc, err := json.Marshal(item)
	if err != nil {
		return "", time.Time{}, err
	}
	res, err := tx.Exec(
		`UPDATE records SET doc = ?, last_modified = ?, last_txn_id = ? WHERE pk = ? AND sk = ?`,
		string(newDoc), now.UTC(), txnID, pk, sk,
	)
	if err != nil {
		return "", time.Time{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", time.Time{}, &NotFoundError{Kind: "item", Key: fmt.Sprintf("%s#%d", channelID, index)}
	}
	if err := appendTxn(tx, txnID, pk, sk, "UPDATE_ITEM", string(newDoc), userID, now); err != nil {
		return "", time.Time{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", time.Time{}, err
	}
	return txnID, now, nil
}

func applyItemUpdates(item *FeedbackItem, updates map[string]string) {
	for field, value := range updates {
		switch field {
		case "title":
			item.Title = value
		case "description":
			item.Description = value
		case "priority":
			item.Priority = NormalizePriority(value)
		case "type":
			item.Type = NormalizeItemType(value)
		case "user_impact":
			item.UserImpact = value
		case "current_behavior":
			item.CurrentBehavior = value
		case "expected_behavior":
			item.ExpectedBehavior = value
		case "additional_context":
			item.AdditionalContext = value
		case "status":
			if strings.EqualFold(value, ItemStatusExcluded) {
				item.Status = ItemStatusExcluded
			} else {
				item.Status = ItemStatusIncluded
			}
		}
	}
}

// SetChannelConfig writes the project key for (session, channel).
// Last-write-wins; each write is its own CONFIG# log entry.
func (s *Store) SetChannelConfig(sessionID, channelID, projectKey, userID string) (string, time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", time.Time{}, err
	}
	defer tx.Rollback()

	pk := sessionPK(sessionID)
	ok, err := sessionExists(tx, pk)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, &NotFoundError{Kind: "session", Key: sessionID}
	}

	cfg := ChannelConfig{SessionID: sessionID, ChannelID: channelID, ProjectKey: projectKey}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	txnID := newTransactionID("CONFIG#")
	if _, err := tx.Exec(
		`INSERT INTO records (pk, sk, doc, created_at, last_modified, last_txn_id) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pk, sk) DO UPDATE SET doc = excluded.doc, last_modified = excluded.last_modified, last_txn_id = excluded.last_txn_id`,
		pk, skConfigPrefix+channelID, string(doc), now.UTC(), now.UTC(), txnID,
	); err != nil {
		return "", time.Time{}, err
	}
	if err := appendTxn(tx, txnID, pk, skConfigPrefix+channelID, "SET_PROJECT_KEY", string(doc), userID, now); err != nil {
		return "", time.Time{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", time.Time{}, err
	}
	return txnID, now, nil
}

func (s *Store) GetChannelConfig(sessionID, channelID string) (ChannelConfig, error) {
	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM records WHERE pk = ? AND sk = ?`,
		sessionPK(sessionID), skConfigPrefix+channelID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelConfig{}, &NotFoundError{Kind: "channel config", Key: channelID}
	}
	if err != nil {
		return ChannelConfig{}, err
	}
	var cfg ChannelConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return ChannelConfig{}, fmt.Errorf("decoding channel config: %w", err)
	}
	return cfg, nil
}

// PutDuplicateRecord upserts the latest duplicate evidence for an item.
// History is preserved: every write stays queryable in the transaction log
// under its own txn_ id.
func (s *Store) PutDuplicateRecord(rec DuplicateRecord) (DuplicateRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	pk := sessionPK(rec.SessionID)
	ok, err := sessionExists(tx, pk)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, &NotFoundError{Kind: "session", Key: rec.SessionID}
	}

	rec.RecordedAt = time.Now()
	rec.TransactionID = fmt.Sprintf("txn_%d_%s", rec.RecordedAt.UnixMilli(), uuid.NewString())
	doc, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	sk := skDuplicate + rec.ItemID
	if _, err := tx.Exec(
		`INSERT INTO records (pk, sk, doc, created_at, last_modified, last_txn_id) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pk, sk) DO UPDATE SET doc = excluded.doc, last_modified = excluded.last_modified, last_txn_id = excluded.last_txn_id`,
		pk, sk, string(doc), rec.RecordedAt.UTC(), rec.RecordedAt.UTC(), rec.TransactionID,
	); err != nil {
		return rec, err
	}
	if err := appendTxn(tx, rec.TransactionID, pk, sk, "RECORD_DUPLICATE", string(doc), rec.RecordedBy, rec.RecordedAt); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// PutTicketRecord records one successful ticket creation. Exactly one per
// item; a second write for the same item is rejected, which is what makes
// the reconcile loop idempotent at the storage layer.
func (s *Store) PutTicketRecord(rec TicketRecord) (TicketRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	pk := sessionPK(rec.SessionID)
	ok, err := sessionExists(tx, pk)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, &NotFoundError{Kind: "session", Key: rec.SessionID}
	}

	rec.CreatedAt = time.Now()
	rec.TransactionID = fmt.Sprintf("txn_%d_%s", rec.CreatedAt.UnixMilli(), uuid.NewString())
	doc, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	sk := skTicketPrefix + rec.ItemID
	if _, err := tx.Exec(
		`INSERT INTO records (pk, sk, doc, created_at, last_modified, last_txn_id) VALUES (?, ?, ?, ?, ?, ?)`,
		pk, sk, string(doc), rec.CreatedAt.UTC(), rec.CreatedAt.UTC(), rec.TransactionID,
	); err != nil {
		return rec, err
	}
	if err := appendTxn(tx, rec.TransactionID, pk, sk, "RECORD_TICKET", string(doc), rec.CreatedBy, rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// GetTicketRecord reports whether an item already has a created ticket.
func (s *Store) GetTicketRecord(sessionID, itemID string) (TicketRecord, bool, error) {
	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM records WHERE pk = ? AND sk = ?`,
		sessionPK(sessionID), skTicketPrefix+itemID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return TicketRecord{}, false, nil
	}
	if err != nil {
		return TicketRecord{}, false, err
	}
	var rec TicketRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return TicketRecord{}, false, fmt.Errorf("decoding ticket record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) GetDuplicateRecords(sessionID string) ([]DuplicateRecord, error) {
	rows, err := s.db.Query(
		`SELECT doc FROM records WHERE pk = ? AND sk LIKE ? ORDER BY sk`,
		sessionPK(sessionID), skDuplicate+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []DuplicateRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec DuplicateRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decoding duplicate record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TransactionHistory returns every logged mutation for a session record,
// oldest first. Used for audit; nothing in the write path reads it.
func (s *Store) TransactionHistory(sessionID, sk string) ([]TransactionEntry, error) {
	rows, err := s.db.Query(
		`SELECT txn_id, op, doc, actor, created_at FROM transactions
		 WHERE pk = ? AND sk = ? ORDER BY created_at, txn_id`,
		sessionPK(sessionID), sk,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TransactionEntry
	for rows.Next() {
		var e TransactionEntry
		if err := rows.Scan(&e.TxnID, &e.Op, &e.Doc, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type TransactionEntry struct {
	TxnID     string
	Op        string
	Doc       string
	Actor     string
	CreatedAt time.Time
}

// ListStaleActiveSessions returns ids of ACTIVE sessions created before
// the cutoff. Feeds the scheduler's sweep.
func (s *Store) ListStaleActiveSessions(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT doc FROM records WHERE sk = ? AND created_at < ?`,
		skMetadata, cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var session Session
		if err := json.Unmarshal([]byte(doc), &session); err != nil {
			continue
		}
		if session.Status == SessionStatusActive {
			ids = append(ids, session.SessionID)
		}
	}
	sort.Strings(ids)
	return ids, rows.Err()
}
