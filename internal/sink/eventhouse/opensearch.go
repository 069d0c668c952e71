// Package eventhouse implements the low-latency analytical sink on OpenSearch.
package eventhouse

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/chainsight-systems/chainsight-pipeline/internal/config"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
)

// Querying a window fetches payload hashes client-side; windows are sized so
// this stays well below the page cap.
const hashScanPageSize = 10000

// Store writes events into a single OpenSearch index keyed by
// (partition_id, event_id), which makes replays no-ops.
type Store struct {
	client *opensearch.Client
	index  string
}

// document is the indexed shape of an event.
type document struct {
	PartitionID string          `json:"partition_id"`
	Offset      uint64          `json:"offset"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	EventTime   time.Time       `json:"event_time"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
}

// New creates the Eventhouse sink and ensures the index exists.
func New(ctx context.Context, cfg config.OpenSearchConfig) (*Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	s := &Store{client: client, index: cfg.Index}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndex(ctx context.Context) error {
	exists, err := s.client.Indices.Exists(
		[]string{s.index},
		s.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("check index %s: %w", s.index, err)
	}
	defer exists.Body.Close()

	if exists.StatusCode == http.StatusOK {
		return nil
	}

	mapping := `{
		"mappings": {
			"properties": {
				"partition_id": {"type": "keyword"},
				"offset": {"type": "long"},
				"event_id": {"type": "keyword"},
				"event_type": {"type": "keyword"},
				"event_time": {"type": "date"},
				"payload": {"type": "object", "enabled": false},
				"payload_hash": {"type": "keyword"}
			}
		}
	}`

	res, err := s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.index, err)
	}
	defer res.Body.Close()

	// A concurrent creator is fine.
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("create index %s: %s", s.index, res.Status())
	}
	return nil
}

// Name implements sink.Sink.
func (s *Store) Name() string {
	return "eventhouse"
}

// Upsert indexes the event with op_type=create so a replayed event surfaces
// as a version conflict instead of a second document.
func (s *Store) Upsert(ctx context.Context, event *models.Event) (sink.WriteStatus, error) {
	doc := document{
		PartitionID: event.PartitionID,
		Offset:      event.Offset,
		EventID:     event.EventID,
		EventType:   event.EventType,
		EventTime:   event.EventTime.UTC(),
		Payload:     event.Payload,
		PayloadHash: event.PayloadHash,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return sink.StatusFail, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	res, err := s.client.Index(
		s.index,
		bytes.NewReader(body),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(event.IdempotencyKey()),
		s.client.Index.WithOpType("create"),
	)
	if err != nil {
		return sink.StatusFail, fmt.Errorf("index event %s: %w", event.EventID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return sink.StatusDuplicate, nil
	}
	if res.IsError() {
		return sink.StatusFail, fmt.Errorf("index event %s: %s", event.EventID, res.Status())
	}
	return sink.StatusAck, nil
}

// CountInWindow implements sink.Sink.
func (s *Store) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	query := windowQuery(start, end)

	res, err := s.client.Count(
		s.client.Count.WithContext(ctx),
		s.client.Count.WithIndex(s.index),
		s.client.Count.WithBody(strings.NewReader(query)),
	)
	if err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("count window: %s", res.Status())
	}

	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return parsed.Count, nil
}

// HashAggregateInWindow implements sink.Sink.
func (s *Store) HashAggregateInWindow(ctx context.Context, start, end time.Time) (string, error) {
	body := fmt.Sprintf(`{
		"size": %d,
		"_source": ["payload_hash"],
		"query": %s
	}`, hashScanPageSize, windowQueryClause(start, end))

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(strings.NewReader(body)),
	)
	if err != nil {
		return "", fmt.Errorf("hash scan: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", fmt.Errorf("hash scan: %s", res.Status())
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read hash scan response: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					PayloadHash string `json:"payload_hash"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode hash scan response: %w", err)
	}

	hashes := make([]string, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hashes = append(hashes, h.Source.PayloadHash)
	}
	return sink.HashAggregate(hashes), nil
}

// LatestEventTime implements sink.Sink.
func (s *Store) LatestEventTime(ctx context.Context) (time.Time, error) {
	body := `{
		"size": 1,
		"_source": ["event_time"],
		"sort": [{"event_time": {"order": "desc"}}]
	}`

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(strings.NewReader(body)),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest event time: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return time.Time{}, fmt.Errorf("latest event time: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					EventTime time.Time `json:"event_time"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return time.Time{}, fmt.Errorf("decode latest event time: %w", err)
	}

	if len(parsed.Hits.Hits) == 0 {
		return time.Time{}, nil
	}
	return parsed.Hits.Hits[0].Source.EventTime, nil
}

func windowQuery(start, end time.Time) string {
	return fmt.Sprintf(`{"query": %s}`, windowQueryClause(start, end))
}

func windowQueryClause(start, end time.Time) string {
	return fmt.Sprintf(`{
		"range": {
			"event_time": {
				"gte": %q,
				"lt": %q
			}
		}
	}`, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
}
