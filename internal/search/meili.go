package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"raterhub/api/internal/logging"
	"raterhub/api/internal/rbac"
)

const idxMessages = "raterhub_messages"

// Meili is the primary Backend.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.Logger
}

// NewMeili connects and configures the index. An unreachable server is not
// an error; the health loop picks it up when it comes back.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    logging.OrNop(log),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxMessages, PrimaryKey: "id"}); err != nil {
		m.log.Debug("search: create index (may already exist)", zap.String("index", idxMessages), zap.Error(err))
	}
	index := m.client.Index(idxMessages)

	filterable := []interface{}{"groupId", "isDeleted", "senderId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("search: update filterable attrs", zap.Error(err))
	}
	searchable := []string{"text", "fileName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("search: update searchable attrs", zap.Error(err))
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("search: update sortable attrs", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Name() string { return "meilisearch" }

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.Index(idxMessages).SearchWithContext(ctx, q.Text, &meili.SearchRequest{
		Limit:                 int64(q.limit()),
		Offset:                int64(q.Offset),
		Filter:                meiliFilter(q),
		Sort:                  []string{"createdAt:desc"},
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// meiliFilter restricts hits to the given groups and, unless asked, to live
// messages.
func meiliFilter(q Query) []string {
	quoted := make([]string, len(q.GroupIDs))
	for i, gid := range q.GroupIDs {
		quoted[i] = fmt.Sprintf("%q", gid)
	}
	filters := []string{"groupId IN [" + strings.Join(quoted, ", ") + "]"}
	if !q.IncludeDeleted {
		filters = append(filters, "isDeleted = false")
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	var rec MessageRecord
	if raw, err := json.Marshal(hit); err == nil {
		_ = json.Unmarshal(raw, &rec)
	}
	r := Result{
		MessageID:  rec.ID,
		GroupID:    rec.GroupID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		SenderRole: rbac.Normalize(string(rec.SenderRole)),
		Snippet:    rec.Text,
		FileName:   rec.FileName,
		IsDeleted:  rec.IsDeleted,
		CreatedAt:  time.UnixMilli(rec.CreatedAt).UTC(),
	}
	if formatted := decodeFormattedString(hit, "text"); formatted != "" {
		r.Snippet = formatted
	}
	return r
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func (m *Meili) Upsert(ctx context.Context, records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocumentsWithContext(ctx, records, nil)
	return err
}
