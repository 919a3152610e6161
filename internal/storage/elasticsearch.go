package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/therealutkarshpriyadarshi/insighthub/internal/config"
	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

const indexMapping = `{
  "mappings": {
    "properties": {
      "idempotency_key": {"type": "keyword"},
      "service":         {"type": "keyword"},
      "level":           {"type": "keyword"},
      "message":         {"type": "text"},
      "latency_ms":      {"type": "double"},
      "userId":          {"type": "long"},
      "timestamp":       {"type": "date"},
      "anomaly_score":   {"type": "double"},
      "is_anomaly":      {"type": "boolean"},
      "created_at":      {"type": "date"}
    }
  }
}`

// ElasticsearchStore stores each record as a document whose ID is the
// idempotency key, so a repeated create is rejected with a conflict.
type ElasticsearchStore struct {
	client  *elasticsearch.Client
	index   string
	refresh string
}

// NewElasticsearchStore connects to the cluster and creates the index if missing
func NewElasticsearchStore(ctx context.Context, cfg config.ElasticsearchConfig) (*ElasticsearchStore, error) {
	if len(cfg.Addresses) == 0 && cfg.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		CloudID:   cfg.CloudID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	refresh := cfg.Refresh
	if refresh == "" {
		refresh = "false"
	}

	s := &ElasticsearchStore{client: client, index: cfg.Index, refresh: refresh}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ElasticsearchStore) ensureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{s.index}}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	res, err = esapi.IndicesCreateRequest{
		Index: s.index,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()

	// another processor may have created it first
	if res.IsError() && !strings.Contains(readBody(res.Body), "resource_already_exists_exception") {
		return fmt.Errorf("failed to create index: %s", res.Status())
	}
	return nil
}

// Upsert implements Writer
func (s *ElasticsearchStore) Upsert(ctx context.Context, rec types.PersistedLogRecord) (bool, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := esapi.CreateRequest{
		Index:      s.index,
		DocumentID: rec.IdempotencyKey,
		Body:       bytes.NewReader(doc),
		Refresh:    s.refresh,
	}.Do(ctx, s.client)
	if err != nil {
		return false, fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return false, nil
	}
	if res.IsError() {
		return false, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}
	return true, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source types.PersistedLogRecord `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations json.RawMessage `json:"aggregations"`
}

func (s *ElasticsearchStore) search(ctx context.Context, body map[string]any) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search returned error: %s", res.Status())
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return &out, nil
}

func sinceRange(since time.Time) map[string]any {
	return map[string]any{
		"range": map[string]any{
			"timestamp": map[string]any{"gte": since.UTC().Format(time.RFC3339Nano)},
		},
	}
}

func term(field string, value any) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

// Recent implements Querier
func (s *ElasticsearchStore) Recent(ctx context.Context, filter Filter) ([]types.PersistedLogRecord, error) {
	var filters []any
	if filter.Service != "" {
		filters = append(filters, term("service", filter.Service))
	}
	if filter.Level != "" {
		filters = append(filters, term("level", string(filter.Level)))
	}

	query := map[string]any{"match_all": map[string]any{}}
	if len(filters) > 0 {
		query = map[string]any{"bool": map[string]any{"filter": filters}}
	}

	resp, err := s.search(ctx, map[string]any{
		"size":  filter.limit(),
		"query": query,
		"sort": []any{
			map[string]any{"timestamp": "desc"},
			map[string]any{"created_at": "desc"},
		},
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.PersistedLogRecord, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

// Summary implements Querier
func (s *ElasticsearchStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	resp, err := s.search(ctx, map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            sinceRange(since),
		"aggs": map[string]any{
			"errors":    map[string]any{"filter": term("level", string(types.LevelError))},
			"anomalies": map[string]any{"filter": term("is_anomaly", true)},
		},
	})
	if err != nil {
		return Summary{}, err
	}

	var aggs struct {
		Errors struct {
			DocCount int64 `json:"doc_count"`
		} `json:"errors"`
		Anomalies struct {
			DocCount int64 `json:"doc_count"`
		} `json:"anomalies"`
	}
	if err := decodeAggs(resp, &aggs); err != nil {
		return Summary{}, err
	}

	return Summary{
		Total:     resp.Hits.Total.Value,
		Errors:    aggs.Errors.DocCount,
		Anomalies: aggs.Anomalies.DocCount,
	}, nil
}

// ErrorBuckets implements Querier
func (s *ElasticsearchStore) ErrorBuckets(ctx context.Context, since time.Time, bucket time.Duration) ([]Bucket, error) {
	resp, err := s.search(ctx, map[string]any{
		"size": 0,
		"query": map[string]any{"bool": map[string]any{"filter": []any{
			sinceRange(since),
			term("level", string(types.LevelError)),
		}}},
		"aggs": map[string]any{
			"buckets": map[string]any{"date_histogram": map[string]any{
				"field":          "timestamp",
				"fixed_interval": fmt.Sprintf("%ds", bucketSeconds(bucket)),
				"min_doc_count":  1,
			}},
		},
	})
	if err != nil {
		return nil, err
	}

	var aggs struct {
		Buckets struct {
			Buckets []struct {
				Key      int64 `json:"key"`
				DocCount int64 `json:"doc_count"`
			} `json:"buckets"`
		} `json:"buckets"`
	}
	if err := decodeAggs(resp, &aggs); err != nil {
		return nil, err
	}

	out := make([]Bucket, 0, len(aggs.Buckets.Buckets))
	for _, b := range aggs.Buckets.Buckets {
		out = append(out, Bucket{Start: time.UnixMilli(b.Key).UTC(), Count: b.DocCount})
	}
	return out, nil
}

// LatencyByService implements Querier
func (s *ElasticsearchStore) LatencyByService(ctx context.Context, since time.Time) ([]ServiceLatency, error) {
	resp, err := s.search(ctx, map[string]any{
		"size": 0,
		"query": map[string]any{"bool": map[string]any{"filter": []any{
			sinceRange(since),
			map[string]any{"exists": map[string]any{"field": "latency_ms"}},
		}}},
		"aggs": map[string]any{
			"services": map[string]any{
				"terms": map[string]any{"field": "service", "size": 1000, "order": map[string]any{"_key": "asc"}},
				"aggs": map[string]any{
					"avg_latency": map[string]any{"avg": map[string]any{"field": "latency_ms"}},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var aggs struct {
		Services struct {
			Buckets []struct {
				Key        string `json:"key"`
				DocCount   int64  `json:"doc_count"`
				AvgLatency struct {
					Value float64 `json:"value"`
				} `json:"avg_latency"`
			} `json:"buckets"`
		} `json:"services"`
	}
	if err := decodeAggs(resp, &aggs); err != nil {
		return nil, err
	}

	out := make([]ServiceLatency, 0, len(aggs.Services.Buckets))
	for _, b := range aggs.Services.Buckets {
		out = append(out, ServiceLatency{Service: b.Key, AvgLatencyMS: b.AvgLatency.Value, Samples: b.DocCount})
	}
	return out, nil
}

func decodeAggs(resp *searchResponse, v any) error {
	if len(resp.Aggregations) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Aggregations, v); err != nil {
		return fmt.Errorf("failed to parse aggregations: %w", err)
	}
	return nil
}

// Ping implements Store
func (s *ElasticsearchStore) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned %s", res.Status())
	}
	return nil
}

// Close implements Store
func (s *ElasticsearchStore) Close() error {
	return nil
}

// Name implements Store
func (s *ElasticsearchStore) Name() string {
	return "elasticsearch"
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
