package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"raterhub/api/internal/rbac"
)

// PgFTS searches the message_search mirror table.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Name() string { return "postgres" }

// Healthy always returns true; without Postgres the identity provider is
// down as well.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.GroupIDs) == 0 {
		return nil, 0, nil
	}

	where := "fts @@ plainto_tsquery('simple', $1) AND group_id = ANY($2)"
	if !q.IncludeDeleted {
		where += " AND NOT is_deleted"
	}
	args := []any{q.Text, q.GroupIDs}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM message_search WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT message_id, group_id, sender_id, sender_name, sender_role, file_name, is_deleted, created_at,
			ts_headline('simple', text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM message_search
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, created_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), max(q.Offset, 0)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var role string
		if err := rows.Scan(&r.MessageID, &r.GroupID, &r.SenderID, &r.SenderName, &role, &r.FileName, &r.IsDeleted, &r.CreatedAt, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.SenderRole = rbac.Normalize(role)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func (p *PgFTS) Upsert(ctx context.Context, records []MessageRecord) error {
	for _, rec := range records {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO message_search (message_id, group_id, sender_id, sender_name, sender_role, text, file_name, is_deleted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (message_id) DO UPDATE SET
				sender_name = EXCLUDED.sender_name,
				text = EXCLUDED.text,
				file_name = EXCLUDED.file_name,
				is_deleted = EXCLUDED.is_deleted
		`, rec.ID, rec.GroupID, rec.SenderID, rec.SenderName, string(rec.SenderRole), rec.Text, rec.FileName, rec.IsDeleted, time.UnixMilli(rec.CreatedAt).UTC())
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", rec.ID, err)
		}
	}
	return nil
}

// LoadAllRecords returns the mirror for a full Meilisearch reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT message_id, group_id, sender_id, sender_name, sender_role, text, file_name, is_deleted, created_at
		FROM message_search
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		var role string
		var created time.Time
		if err := rows.Scan(&rec.ID, &rec.GroupID, &rec.SenderID, &rec.SenderName, &role, &rec.Text, &rec.FileName, &rec.IsDeleted, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.SenderRole = rbac.Role(role)
		rec.CreatedAt = created.UnixMilli()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
