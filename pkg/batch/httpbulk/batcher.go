// Package httpbulk is a Batcher for platforms with a field-expansion bulk
// endpoint: many objects of one type are read with a single
// GET {base}/{request_type}?ids=a,b,c call.
package httpbulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
	"github.com/Sternrassler/platform-orchestrator/pkg/client"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
)

const (
	DefaultBatchType    = "field_expansion"
	DefaultMaxBatchSize = 50
)

// Config configures a bulk batcher.
type Config struct {
	// Platform defaults to the client's platform.
	Platform     string
	BatchType    string
	MaxBatchSize int

	// IDParam is the query parameter carrying the comma separated ids.
	IDParam string

	// IDField is the request param holding the object id.
	IDField string
}

// Batcher implements batch.Batcher on top of a platform client.
type Batcher struct {
	client *client.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a bulk batcher.
func New(c *client.Client, cfg Config, logger zerolog.Logger) *Batcher {
	if cfg.Platform == "" {
		cfg.Platform = c.Platform()
	}
	if cfg.BatchType == "" {
		cfg.BatchType = DefaultBatchType
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.IDParam == "" {
		cfg.IDParam = "ids"
	}
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	return &Batcher{
		client: c,
		cfg:    cfg,
		logger: logger.With().Str("component", "httpbulk").Str("platform", cfg.Platform).Logger(),
	}
}

func (b *Batcher) Platform() string  { return b.cfg.Platform }
func (b *Batcher) BatchType() string { return b.cfg.BatchType }
func (b *Batcher) MaxBatchSize() int { return b.cfg.MaxBatchSize }

// call is one physical request: a request type, an optional field list and
// the requests sharing them.
type call struct {
	requestType string
	fields      string
	reqs        []*queue.Request
}

// ExecuteBatch groups reqs by request type and field list and issues one
// bulk GET per group and chunk. Per-request failures are reported in the
// result map; only a context error aborts the batch.
func (b *Batcher) ExecuteBatch(ctx context.Context, connectionID string, reqs []*queue.Request) (map[string]batch.Result, error) {
	results := make(map[string]batch.Result, len(reqs))

	var order []string
	calls := make(map[string]*call)
	for _, r := range reqs {
		if b.objectID(r) == "" {
			results[r.ID.String()] = batch.Failure(fmt.Sprintf("missing %s param", b.cfg.IDField))
			continue
		}
		fields := scalar(r.Params["fields"])
		key := r.RequestType + "\x00" + fields
		c, ok := calls[key]
		if !ok {
			c = &call{requestType: r.RequestType, fields: fields}
			calls[key] = c
			order = append(order, key)
		}
		c.reqs = append(c.reqs, r)
	}

	for _, key := range order {
		c := calls[key]
		for start := 0; start < len(c.reqs); start += b.cfg.MaxBatchSize {
			end := min(start+b.cfg.MaxBatchSize, len(c.reqs))
			if err := b.execute(ctx, connectionID, c.requestType, c.fields, c.reqs[start:end], results); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func (b *Batcher) execute(ctx context.Context, connectionID, requestType, fields string, reqs []*queue.Request, results map[string]batch.Result) error {
	ids := make([]string, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		id := b.objectID(r)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	query := url.Values{}
	query.Set(b.cfg.IDParam, strings.Join(ids, ","))
	if fields != "" {
		query.Set("fields", fields)
	}

	batch.CountCall(ctx)
	objects, err := b.fetch(ctx, requestType, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("bulk %s: %w", requestType, ctxErr)
		}
		msg := err.Error()
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		b.logger.Warn().
			Err(err).
			Str("connection_id", connectionID).
			Str("request_type", requestType).
			Int("ids", len(ids)).
			Msg("Bulk call failed")
		for _, r := range reqs {
			results[r.ID.String()] = batch.Failure(msg)
		}
		return nil
	}

	for _, r := range reqs {
		obj, ok := objects[b.objectID(r)]
		if !ok {
			results[r.ID.String()] = batch.Failure("not returned by platform")
			continue
		}
		results[r.ID.String()] = batch.Success(obj)
	}

	b.logger.Debug().
		Str("connection_id", connectionID).
		Str("request_type", requestType).
		Int("ids", len(ids)).
		Int("returned", len(objects)).
		Msg("Bulk call completed")
	return nil
}

// fetch returns the objects of a bulk response keyed by id. Accepted shapes
// are an object keyed by id and {"data":[{"id":..},..]}.
func (b *Batcher) fetch(ctx context.Context, requestType string, query url.Values) (map[string]json.RawMessage, error) {
	resp, err := b.client.Get(ctx, requestType, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bulk response: %w", err)
	}
	return parseObjects(body)
}

func parseObjects(body []byte) (map[string]json.RawMessage, error) {
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(body, &keyed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	data, ok := keyed["data"]
	if !ok || len(data) == 0 || data[0] != '[' {
		return keyed, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode bulk data: %w", err)
	}
	out := make(map[string]json.RawMessage, len(list))
	for _, item := range list {
		var head struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			continue
		}
		if id := scalar(head.ID); id != "" {
			out[id] = item
		}
	}
	return out, nil
}

func (b *Batcher) objectID(r *queue.Request) string {
	return scalar(r.Params[b.cfg.IDField])
}

// scalar renders a param as string. Lists (for fields) are sorted and
// joined with commas so equal field sets share a call.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, scalar(p))
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	case []string:
		parts := append([]string(nil), t...)
		sort.Strings(parts)
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

var _ batch.Batcher = (*Batcher)(nil)
