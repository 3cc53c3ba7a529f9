// Package search indexes chat messages in Meilisearch and mirrors them into
// a Postgres full-text table that serves queries while Meilisearch is down.
package search

import (
	"context"
	"time"

	"raterhub/api/internal/rbac"
	"raterhub/api/internal/store"
)

const DefaultLimit = 20

// MessageRecord is the indexed form of a message.
type MessageRecord struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole rbac.Role `json:"senderRole"`
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	FileName   string    `json:"fileName"`
	IsDeleted  bool      `json:"isDeleted"`
	CreatedAt  int64     `json:"createdAt"`
}

// RecordFrom builds the index record for m. System notices are not indexed.
func RecordFrom(m store.Message) (MessageRecord, bool) {
	if m.Type == store.TypeSystem || m.IsUploading {
		return MessageRecord{}, false
	}
	return MessageRecord{
		ID:         m.ID,
		GroupID:    m.GroupID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderRole: m.SenderRole,
		Type:       m.Type,
		Text:       m.Text,
		FileName:   m.FileName,
		IsDeleted:  m.IsDeleted,
		CreatedAt:  m.CreatedAt.UnixMilli(),
	}, true
}

type Query struct {
	Text           string
	GroupIDs       []string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

type Result struct {
	MessageID  string    `json:"messageId"`
	GroupID    string    `json:"groupId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole rbac.Role `json:"-"`
	Snippet    string    `json:"snippet"`
	FileName   string    `json:"fileName,omitempty"`
	IsDeleted  bool      `json:"isDeleted,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend,omitempty"`
}

// Backend is one search engine: Meilisearch or the Postgres mirror.
type Backend interface {
	Name() string
	Healthy() bool
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Upsert(ctx context.Context, records []MessageRecord) error
}
