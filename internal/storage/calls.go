package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CallRecord is one row of call history.
type CallRecord struct {
	ID             string     `json:"id"`
	CallID         string     `json:"callId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	PeerID         string     `json:"peerId"`
	PeerName       string     `json:"peerName,omitempty"`
	Direction      string     `json:"direction"`
	CallType       string     `json:"callType"`
	Status         string     `json:"status"`
	Duration       int        `json:"duration"`
	StartedAt      time.Time  `json:"startedAt"`
	ConnectedAt    *time.Time `json:"connectedAt,omitempty"`
	EndedAt        time.Time  `json:"endedAt"`
}

// CallStats aggregates the call history.
type CallStats struct {
	Total        int `json:"total"`
	Completed    int `json:"completed"`
	Missed       int `json:"missed"`
	Rejected     int `json:"rejected"`
	Cancelled    int `json:"cancelled"`
	Failed       int `json:"failed"`
	TotalSeconds int `json:"totalSeconds"`
}

const callColumns = `id, call_id, conversation_id, peer_id, peer_name, direction, call_type,
	status, duration, started_at, connected_at, ended_at`

// InsertCall stores a call record. Records are keyed by ID; inserting the
// same ID twice replaces the earlier row.
func (d *DB) InsertCall(rec CallRecord) error {
	if rec.ID == "" || rec.PeerID == "" {
		return fmt.Errorf("insert call: id and peer id are required")
	}
	var connected sql.NullInt64
	if rec.ConnectedAt != nil {
		connected = sql.NullInt64{Int64: rec.ConnectedAt.UnixMilli(), Valid: true}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO call_history (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallID, rec.ConversationID, rec.PeerID, rec.PeerName, rec.Direction, rec.CallType,
		rec.Status, rec.Duration, rec.StartedAt.UnixMilli(), connected, rec.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// ListCalls returns call records, most recently ended first.
func (d *DB) ListCalls(limit, offset int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT `+callColumns+` FROM call_history
		ORDER BY ended_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CallRecord{}
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCall returns one record or ErrNotFound.
func (d *DB) GetCall(id string) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, err := scanCall(d.db.QueryRow(`SELECT `+callColumns+` FROM call_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

// DeleteCall removes one record.
func (d *DB) DeleteCall(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM call_history WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CallStats counts records per outcome and sums the talk time.
func (d *DB) CallStats() (CallStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var st CallStats
	err := d.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'missed'    THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'rejected'  THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed'    THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration), 0)
		FROM call_history`).Scan(
		&st.Total, &st.Completed, &st.Missed, &st.Rejected, &st.Cancelled, &st.Failed, &st.TotalSeconds,
	)
	return st, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(r scanner) (CallRecord, error) {
	var rec CallRecord
	var started, ended int64
	var connected sql.NullInt64
	if err := r.Scan(&rec.ID, &rec.CallID, &rec.ConversationID, &rec.PeerID, &rec.PeerName,
		&rec.Direction, &rec.CallType, &rec.Status, &rec.Duration, &started, &connected, &ended); err != nil {
		return CallRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	rec.EndedAt = time.UnixMilli(ended).UTC()
	if connected.Valid {
		t := time.UnixMilli(connected.Int64).UTC()
		rec.ConnectedAt = &t
	}
	return rec, nil
}
