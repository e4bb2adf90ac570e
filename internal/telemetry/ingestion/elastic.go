package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/telemetry/normalization"
)

// ErrNoURLs is returned when no Elasticsearch address is configured.
var ErrNoURLs = errors.New("elasticsearch: no urls configured")

// ElasticConfig holds Elasticsearch connection settings
type ElasticConfig struct {
	URLs        []string      `yaml:"urls" validate:"min=1,dive,url"`
	Username    string        `yaml:"username"`
	PasswordEnv string        `yaml:"password_env"`
	Index       string        `yaml:"index" validate:"required"`
	Sniff       bool          `yaml:"sniff"`
	Healthcheck bool          `yaml:"healthcheck"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultElasticConfig returns the default connection settings
func DefaultElasticConfig() ElasticConfig {
	return ElasticConfig{
		URLs:        []string{"http://localhost:9200"},
		PasswordEnv: "ELASTICSEARCH_PASSWORD",
		Index:       "rtarf-events-beat*",
		Timeout:     30 * time.Second,
	}
}

// ElasticStore reads security events from Elasticsearch with the scroll API
type ElasticStore struct {
	client *elastic.Client
	index  string
	logger *zap.Logger
}

// NewElasticStore connects to Elasticsearch
func NewElasticStore(cfg ElasticConfig, logger *zap.Logger) (*ElasticStore, error) {
	if len(cfg.URLs) == 0 {
		return nil, ErrNoURLs
	}

	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(cfg.Sniff),
		elastic.SetHealthcheck(cfg.Healthcheck),
	}
	if cfg.Username != "" {
		opts = append(opts, elastic.SetBasicAuth(cfg.Username, os.Getenv(cfg.PasswordEnv)))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, elastic.SetHttpClient(&http.Client{Timeout: cfg.Timeout}))
	}

	client, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return NewElasticStoreWithClient(client, cfg.Index, logger), nil
}

// NewElasticStoreWithClient wraps an existing client
func NewElasticStoreWithClient(client *elastic.Client, index string, logger *zap.Logger) *ElasticStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElasticStore{client: client, index: index, logger: logger}
}

func (s *ElasticStore) Name() string { return "elasticsearch" }

// HealthCheck reports an error when the cluster is unreachable or red
func (s *ElasticStore) HealthCheck(ctx context.Context) error {
	health, err := s.client.ClusterHealth().Do(ctx)
	if err != nil {
		return fmt.Errorf("elasticsearch health: %w", err)
	}
	if health.Status == "red" {
		return fmt.Errorf("elasticsearch health: cluster %s is red", health.ClusterName)
	}
	return nil
}

// Scroll opens a scroll over documents matching q
func (s *ElasticStore) Scroll(ctx context.Context, q Query) (PageIterator, error) {
	fields := q.MarkerFields
	if len(fields) == 0 {
		fields = DefaultMarkerFields()
	}

	query := elastic.NewBoolQuery().MinimumNumberShouldMatch(1)
	for _, f := range fields {
		query.Should(elastic.NewExistsQuery(f))
	}
	if q.Since != nil {
		query.Filter(elastic.NewRangeQuery("@timestamp").Gt(q.Since.UTC().Format(time.RFC3339Nano)))
	}

	svc := s.client.Scroll(s.index).
		Query(query).
		Sort("@timestamp", true).
		Size(q.PageSize).
		KeepAlive(keepAlive(q.KeepAlive))

	return &scrollIterator{svc: svc, logger: s.logger}, nil
}

type scrollIterator struct {
	mu     sync.Mutex
	svc    *elastic.ScrollService
	done   bool
	closed bool
	logger *zap.Logger
}

func (it *scrollIterator) Next(ctx context.Context) ([]Hit, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.done || it.closed {
		return nil, io.EOF
	}

	res, err := it.svc.Do(ctx)
	if errors.Is(err, io.EOF) {
		it.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("scroll: %w", err)
	}
	if res.Hits == nil || len(res.Hits.Hits) == 0 {
		it.done = true
		return nil, io.EOF
	}

	hits := make([]Hit, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		doc, err := decodeSource(h.Source)
		if err != nil {
			it.logger.Warn("Skipping undecodable document", zap.String("id", h.Id), zap.Error(err))
			continue
		}
		hits = append(hits, Hit{ID: h.Id, Index: h.Index, Source: doc})
	}
	return hits, nil
}

func (it *scrollIterator) Close(ctx context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil
	}
	it.closed = true
	return it.svc.Clear(ctx)
}

// decodeSource keeps numbers as json.Number so ids and epochs stay exact
func decodeSource(raw json.RawMessage) (normalization.RawDocument, error) {
	if len(raw) == 0 {
		return normalization.RawDocument{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc normalization.RawDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = normalization.RawDocument{}
	}
	return doc, nil
}

func keepAlive(d time.Duration) string {
	if d <= 0 {
		d = 2 * time.Minute
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}
