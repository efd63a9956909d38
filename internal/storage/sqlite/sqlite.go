package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mkendrick/sonavault/internal/core"
	"github.com/mkendrick/sonavault/internal/storage"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store at the given path.
// If path is ":memory:", creates an in-memory database.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// An in-memory sqlite database exists per connection.
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// GetDB returns the underlying SQL database so sibling stores
// (user keys) can share the connection.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			duration REAL NOT NULL DEFAULT 0,
			blob_ref TEXT NOT NULL,
			wrapped_key TEXT NOT NULL,
			sealed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS share_grants (
			recording_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			target_user_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			wrapped_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (recording_id, target_user_id),
			FOREIGN KEY (recording_id) REFERENCES recordings(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS capability_links (
			token TEXT PRIMARY KEY,
			recording_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			wrapped_key BLOB NOT NULL,
			max_uses INTEGER,
			uses INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (recording_id) REFERENCES recordings(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			recording_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (recording_id) REFERENCES recordings(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_recordings_owner ON recordings(owner_id);
		CREATE INDEX IF NOT EXISTS idx_grants_target ON share_grants(target_user_id);
		CREATE INDEX IF NOT EXISTS idx_links_recording ON capability_links(recording_id);
		CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutRecording stores a recording row.
func (s *SQLiteStore) PutRecording(rec core.Recording) error {
	_, err := s.db.Exec(`
		INSERT INTO recordings (id, owner_id, name, description, duration, blob_ref, wrapped_key, sealed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			duration = excluded.duration,
			blob_ref = excluded.blob_ref,
			wrapped_key = excluded.wrapped_key,
			sealed = excluded.sealed
	`, rec.ID.String(), rec.OwnerID.String(), rec.Name, rec.Description,
		rec.Duration, rec.BlobRef, rec.WrappedKey, boolToInt(rec.Sealed),
		rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert recording: %w", err)
	}
	return nil
}

// GetRecording retrieves a recording by ID.
func (s *SQLiteStore) GetRecording(id uuid.UUID) (core.Recording, error) {
	var rec core.Recording
	var idStr, ownerStr string
	var sealed int
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, owner_id, name, description, duration, blob_ref, wrapped_key, sealed, created_at
		FROM recordings
		WHERE id = ?
	`, id.String()).Scan(&idStr, &ownerStr, &rec.Name, &rec.Description,
		&rec.Duration, &rec.BlobRef, &rec.WrappedKey, &sealed, &createdAt)

	if err == sql.ErrNoRows {
		return core.Recording{}, storage.ErrNotFound{ID: id}
	}
	if err != nil {
		return core.Recording{}, fmt.Errorf("failed to get recording: %w", err)
	}

	rec.ID = id
	rec.OwnerID, _ = uuid.Parse(ownerStr)
	rec.Sealed = sealed != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	return rec, nil
}

// ListRecordings returns recordings matching the filter.
func (s *SQLiteStore) ListRecordings(filter storage.ListFilter) ([]core.Recording, error) {
	query := "SELECT id, owner_id, name, description, duration, blob_ref, wrapped_key, sealed, created_at FROM recordings WHERE 1=1"
	args := []interface{}{}

	if filter.OwnerID != nil {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID.String())
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	recs := []core.Recording{}
	for rows.Next() {
		var rec core.Recording
		var idStr, ownerStr string
		var sealed int
		var createdAt int64

		if err := rows.Scan(&idStr, &ownerStr, &rec.Name, &rec.Description,
			&rec.Duration, &rec.BlobRef, &rec.WrappedKey, &sealed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		rec.ID, _ = uuid.Parse(idStr)
		rec.OwnerID, _ = uuid.Parse(ownerStr)
		rec.Sealed = sealed != 0
		rec.CreatedAt = time.Unix(createdAt, 0)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRecording removes the recording and its dependents. Grants go
// first, then links and notifications, then the row itself, all in one
// transaction.
func (s *SQLiteStore) DeleteRecording(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM share_grants WHERE recording_id = ?",
		"DELETE FROM capability_links WHERE recording_id = ?",
		"DELETE FROM notifications WHERE recording_id = ?",
	} {
		if _, err := tx.Exec(stmt, id.String()); err != nil {
			return fmt.Errorf("failed to delete recording dependents: %w", err)
		}
	}

	result, err := tx.Exec("DELETE FROM recordings WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound{ID: id}
	}
	return tx.Commit()
}

// GetGrant retrieves the grant for (recording, target).
func (s *SQLiteStore) GetGrant(recordingID, targetID uuid.UUID) (core.ShareGrant, error) {
	var grant core.ShareGrant
	var ownerStr, permStr string
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
		SELECT owner_id, permission, wrapped_key, created_at, updated_at
		FROM share_grants
		WHERE recording_id = ? AND target_user_id = ?
	`, recordingID.String(), targetID.String()).Scan(
		&ownerStr, &permStr, &grant.WrappedKey, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return core.ShareGrant{}, storage.ErrGrantNotFound{RecordingID: recordingID, TargetID: targetID}
	}
	if err != nil {
		return core.ShareGrant{}, fmt.Errorf("failed to get grant: %w", err)
	}

	grant.RecordingID = recordingID
	grant.TargetID = targetID
	grant.OwnerID, _ = uuid.Parse(ownerStr)
	grant.Permission = core.Permission(permStr)
	grant.CreatedAt = time.Unix(createdAt, 0)
	grant.UpdatedAt = time.Unix(updatedAt, 0)
	return grant, nil
}

// ListGrants returns all grants for a recording.
func (s *SQLiteStore) ListGrants(recordingID uuid.UUID) ([]core.ShareGrant, error) {
	rows, err := s.db.Query(`
		SELECT owner_id, target_user_id, permission, wrapped_key, created_at, updated_at
		FROM share_grants
		WHERE recording_id = ?
		ORDER BY updated_at DESC
	`, recordingID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	grants := []core.ShareGrant{}
	for rows.Next() {
		var grant core.ShareGrant
		var ownerStr, targetStr, permStr string
		var createdAt, updatedAt int64

		if err := rows.Scan(&ownerStr, &targetStr, &permStr, &grant.WrappedKey, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grant.RecordingID = recordingID
		grant.OwnerID, _ = uuid.Parse(ownerStr)
		grant.TargetID, _ = uuid.Parse(targetStr)
		grant.Permission = core.Permission(permStr)
		grant.CreatedAt = time.Unix(createdAt, 0)
		grant.UpdatedAt = time.Unix(updatedAt, 0)
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// CommitShare upserts the grant and inserts the notification in a
// single transaction. The (recording_id, target_user_id) primary key is
// what keeps two concurrent shares from duplicating the grant.
func (s *SQLiteStore) CommitShare(grant core.ShareGrant, note core.Notification) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO share_grants (recording_id, owner_id, target_user_id, permission, wrapped_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(recording_id, target_user_id) DO UPDATE SET
			permission = excluded.permission,
			wrapped_key = excluded.wrapped_key,
			updated_at = excluded.updated_at
	`, grant.RecordingID.String(), grant.OwnerID.String(), grant.TargetID.String(),
		string(grant.Permission), grant.WrappedKey,
		grant.CreatedAt.Unix(), grant.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO notifications (id, user_id, recording_id, permission, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, 0)
	`, note.ID.String(), note.UserID.String(), note.RecordingID.String(),
		string(note.Permission), note.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return tx.Commit()
}

// PutLink stores a capability link.
func (s *SQLiteStore) PutLink(link core.CapabilityLink) error {
	var maxUses interface{}
	if link.MaxUses != nil {
		maxUses = *link.MaxUses
	}
	var expiresAt interface{}
	if link.ExpiresAt != nil {
		expiresAt = link.ExpiresAt.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO capability_links (token, recording_id, permission, wrapped_key, max_uses, uses, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, link.Token, link.RecordingID.String(), string(link.Permission),
		link.WrappedKey, maxUses, link.Uses, expiresAt, link.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store link: %w", err)
	}
	return nil
}

// GetLink retrieves a capability link by token.
func (s *SQLiteStore) GetLink(token string) (core.CapabilityLink, error) {
	var link core.CapabilityLink
	var recStr, permStr string
	var maxUses, expiresAt sql.NullInt64
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT recording_id, permission, wrapped_key, max_uses, uses, expires_at, created_at
		FROM capability_links
		WHERE token = ?
	`, token).Scan(&recStr, &permStr, &link.WrappedKey, &maxUses, &link.Uses, &expiresAt, &createdAt)

	if err == sql.ErrNoRows {
		return core.CapabilityLink{}, storage.ErrLinkNotFound{Token: token}
	}
	if err != nil {
		return core.CapabilityLink{}, fmt.Errorf("failed to get link: %w", err)
	}

	link.Token = token
	link.RecordingID, _ = uuid.Parse(recStr)
	link.Permission = core.Permission(permStr)
	link.CreatedAt = time.Unix(createdAt, 0)
	if maxUses.Valid {
		n := int(maxUses.Int64)
		link.MaxUses = &n
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		link.ExpiresAt = &t
	}
	return link, nil
}

// ConsumeLink spends one use. The WHERE clause enforces the cap, so of
// two concurrent resolves at the last use exactly one succeeds.
func (s *SQLiteStore) ConsumeLink(token string) error {
	result, err := s.db.Exec(`
		UPDATE capability_links
		SET uses = uses + 1
		WHERE token = ? AND (max_uses IS NULL OR uses < max_uses)
	`, token)
	if err != nil {
		return fmt.Errorf("failed to consume link: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var one int
		if err := s.db.QueryRow("SELECT 1 FROM capability_links WHERE token = ?", token).Scan(&one); err == sql.ErrNoRows {
			return storage.ErrLinkNotFound{Token: token}
		}
		return storage.ErrLinkConsumed{Token: token}
	}
	return nil
}

// DeleteExpiredLinks removes links past their expiration.
func (s *SQLiteStore) DeleteExpiredLinks(now time.Time) (int, error) {
	result, err := s.db.Exec(
		"DELETE FROM capability_links WHERE expires_at IS NOT NULL AND expires_at < ?",
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired links: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *SQLiteStore) ListNotifications(userID uuid.UUID) ([]core.Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, recording_id, permission, created_at, is_read
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notes := []core.Notification{}
	for rows.Next() {
		var note core.Notification
		var idStr, recStr, permStr string
		var createdAt int64
		var isRead int

		if err := rows.Scan(&idStr, &recStr, &permStr, &createdAt, &isRead); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		note.ID, _ = uuid.Parse(idStr)
		note.UserID = userID
		note.RecordingID, _ = uuid.Parse(recStr)
		note.Permission = core.Permission(permStr)
		note.CreatedAt = time.Unix(createdAt, 0)
		note.Read = isRead != 0
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
