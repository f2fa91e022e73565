package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orgflow/orgflow/pkg/model"
)

const auditColumns = `seq, event_type, timestamp, actor, payload, prev_checksum, checksum`

// LastAuditEvent returns the chain head, or nil when the ledger is empty.
func (q queries) LastAuditEvent(ctx context.Context) (*model.AuditEvent, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`)
	ev, err := scanAudit(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last audit event: %w", err)
	}
	return ev, nil
}

// InsertAuditEvent appends ev. ev.RawPayload must hold the canonical payload.
func (q queries) InsertAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_events (seq, event_type, category, timestamp, actor, payload, prev_checksum, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, string(ev.EventType), ev.EventType.Category(), formatTime(ev.Timestamp), ev.Actor,
		string(ev.RawPayload), string(ev.PrevChecksum), string(ev.Checksum))
	if err != nil {
		return fmt.Errorf("insert audit event %d: %w", ev.Seq, err)
	}
	return nil
}

// AuditRange returns events with fromSeq <= seq <= toSeq in order. A zero
// toSeq means no upper bound.
func (q queries) AuditRange(ctx context.Context, fromSeq, toSeq int64) ([]model.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE seq >= ?`
	args := []any{fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`
	return q.queryAudit(ctx, query, args...)
}

// QueryAudit returns events matching filter, newest last.
func (q queries) QueryAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(f.Until))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if len(f.EventTypes) > 0 {
		marks := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ",")+")")
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		// newest N, returned in chain order
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq`
		args = append(args, f.Limit)
	} else {
		query += ` ORDER BY seq`
	}
	return q.queryAudit(ctx, query, args...)
}

// CountAuditBefore returns how many events precede seq.
func (q queries) CountAuditBefore(ctx context.Context, seq int64) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE seq < ?`, seq).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// DeleteAuditThrough removes every event with seq <= seq.
func (q queries) DeleteAuditThrough(ctx context.Context, seq int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM audit_events WHERE seq <= ?`, seq)
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return res.RowsAffected()
}

// GetMeta returns a ledger metadata value, or "" when unset.
func (q queries) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, key).Scan(&v)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta upserts a ledger metadata value.
func (q queries) SetMeta(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (q queries) queryAudit(ctx context.Context, query string, args ...any) ([]model.AuditEvent, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanAudit(s scanner) (*model.AuditEvent, error) {
	var (
		ev                    model.AuditEvent
		eventType, ts         string
		payload, prev, digest string
	)
	if err := s.Scan(&ev.Seq, &eventType, &ts, &ev.Actor, &payload, &prev, &digest); err != nil {
		return nil, err
	}
	ev.EventType = model.AuditEventType(eventType)
	ev.Timestamp = parseTime(ts)
	ev.PrevChecksum = model.HashValue(prev)
	ev.Checksum = model.HashValue(digest)
	ev.RawPayload = []byte(payload)

	// A payload that no longer parses is left nil; chain verification works
	// on RawPayload and reports it.
	dec := json.NewDecoder(bytes.NewReader(ev.RawPayload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err == nil {
		ev.Payload = m
	}
	return &ev, nil
}
