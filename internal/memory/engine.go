// Package memory implements the tiered memory engine: a KV-backed
// short tier with TTL expiry, a vector-indexed mid tier for semantic
// recall, and a relational long tier ranked by importance.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/bus"
	"github.com/contextd/contextd/internal/storage"
	"github.com/contextd/contextd/internal/storage/embed"
	"github.com/contextd/contextd/internal/storage/kv"
	"github.com/contextd/contextd/internal/storage/vector"
)

// MidCollection is the vector collection holding mid-tier memories.
const MidCollection = "mid_term_memories"

// midContentLimit caps the content stored in a vector payload.
const midContentLimit = 2000

// shortHalfLife drives the short tier's recency decay.
const shortHalfLife = 300 * time.Second

// Valid tiers.
const (
	TierShort = "short"
	TierMid   = "mid"
	TierLong  = "long"
)

// ErrUnknownTier is returned when a store request names a tier outside
// the set {short, mid, long}.
var ErrUnknownTier = errors.New("unknown memory tier")

// Record is one memory as stored and recalled.
type Record struct {
	MemoryID   string    `json:"memory_id"`
	ProjectID  string    `json:"project_id"`
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	Tier       string    `json:"tier"`
	Score      float64   `json:"relevance_score,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// StoreRequest is the input to Store.
type StoreRequest struct {
	ProjectID  string
	Content    string
	Tier       string
	Category   string
	Importance float64
	Tags       []string
	Creator    string
}

// RetrieveResult carries merged recall output.
type RetrieveResult struct {
	Records         []Record `json:"records"`
	TotalTokenSaved int      `json:"total_token_saved"`
	DurationMS      float64  `json:"duration_ms"`
}

// Engine coordinates the three tiers.
type Engine struct {
	store    storage.Store
	kv       kv.Client
	index    vector.Index
	embedder embed.Embedder
	bus      *bus.Bus
	logger   *zap.Logger
	shortTTL time.Duration
	stats    *searchStats
}

// Options configures an Engine. KV, index, and embedder may each be nil
// and the corresponding tier degrades.
type Options struct {
	Store    storage.Store
	KV       kv.Client
	Index    vector.Index
	Embedder embed.Embedder
	Bus      *bus.Bus
	Logger   *zap.Logger
	ShortTTL time.Duration
}

// NewEngine creates the engine and ensures the mid-tier collection when
// an index and embedder are present.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShortTTL <= 0 {
		opts.ShortTTL = time.Hour
	}
	e := &Engine{
		store:    opts.Store,
		kv:       opts.KV,
		index:    opts.Index,
		embedder: opts.Embedder,
		bus:      opts.Bus,
		logger:   opts.Logger,
		shortTTL: opts.ShortTTL,
		stats:    newSearchStats(),
	}
	if e.index != nil && e.embedder != nil {
		if err := e.index.EnsureCollection(ctx, MidCollection, e.embedder.Dimension()); err != nil {
			return nil, fmt.Errorf("ensure mid-tier collection: %w", err)
		}
	}
	return e, nil
}

// NewMemoryID builds a memory id: timestamp plus an 8-hex suffix.
func NewMemoryID(now time.Time) string {
	return fmt.Sprintf("mem_%s_%s", now.UTC().Format("20060102150405"), uuid.NewString()[:8])
}

func shortKey(projectID, memoryID string) string {
	return fmt.Sprintf("short:%s:%s", projectID, memoryID)
}

// Store writes a memory into its tier. Mid and long writes also leave a
// short-tier breadcrumb so a freshly stored memory is recallable before
// the slower tier is queried.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (*Record, error) {
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	if req.Tier == "" {
		req.Tier = TierShort
	}
	if req.Category == "" {
		req.Category = "general"
	}
	if req.Importance == 0 {
		req.Importance = 0.8
	}

	now := time.Now()
	rec := Record{
		MemoryID:   NewMemoryID(now),
		ProjectID:  req.ProjectID,
		Content:    req.Content,
		Category:   req.Category,
		Importance: req.Importance,
		Tags:       req.Tags,
		Tier:       req.Tier,
		CreatedAt:  now.UTC(),
	}

	switch req.Tier {
	case TierShort:
		if err := e.storeShort(ctx, &rec); err != nil {
			return nil, err
		}
	case TierMid:
		if err := e.storeMid(ctx, &rec); err != nil {
			return nil, err
		}
		e.breadcrumb(ctx, &rec)
	case TierLong:
		if err := e.storeLong(ctx, &rec, req.Creator); err != nil {
			return nil, err
		}
		e.breadcrumb(ctx, &rec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, req.Tier)
	}

	e.publish("memory_stored", map[string]any{
		"memory_id":  rec.MemoryID,
		"project_id": rec.ProjectID,
		"tier":       rec.Tier,
	})
	return &rec, nil
}

func (e *Engine) storeShort(ctx context.Context, rec *Record) error {
	if e.kv == nil {
		return errors.New("short tier unavailable: no kv client")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode short memory: %w", err)
	}
	if err := e.kv.SetEx(ctx, shortKey(rec.ProjectID, rec.MemoryID), string(payload), e.shortTTL); err != nil {
		return fmt.Errorf("store short memory: %w", err)
	}
	return nil
}

func (e *Engine) storeMid(ctx context.Context, rec *Record) error {
	if e.index == nil || e.embedder == nil {
		return errors.New("mid tier unavailable: no vector index or embedder")
	}
	vec, err := e.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return fmt.Errorf("embed mid memory: %w", err)
	}
	content := rec.Content
	if len(content) > midContentLimit {
		content = content[:midContentLimit]
	}
	point := vector.Point{
		ID:     rec.MemoryID,
		Vector: vec,
		Payload: map[string]any{
			"project_id": rec.ProjectID,
			"content":    content,
			"category":   rec.Category,
			"importance": rec.Importance,
			"tags":       rec.Tags,
			"created_at": rec.CreatedAt.Format(time.RFC3339),
		},
	}
	if err := e.index.Upsert(ctx, MidCollection, []vector.Point{point}); err != nil {
		return fmt.Errorf("store mid memory: %w", err)
	}
	return nil
}

func (e *Engine) storeLong(ctx context.Context, rec *Record, creator string) error {
	if err := e.store.EnsureProject(ctx, rec.ProjectID); err != nil {
		return fmt.Errorf("ensure project: %w", err)
	}
	m := &storage.LongMemory{
		MemoryID:   rec.MemoryID,
		ProjectID:  rec.ProjectID,
		Content:    rec.Content,
		Category:   rec.Category,
		Importance: rec.Importance,
		Tags:       storage.StringList(rec.Tags),
		Creator:    creator,
		CreatedAt:  rec.CreatedAt,
	}
	if err := e.store.InsertLongMemory(ctx, m); err != nil {
		return fmt.Errorf("store long memory: %w", err)
	}
	return nil
}

// breadcrumb writes a short-tier copy best-effort.
func (e *Engine) breadcrumb(ctx context.Context, rec *Record) {
	if e.kv == nil {
		return
	}
	crumb := *rec
	if err := e.storeShort(ctx, &crumb); err != nil {
		e.logger.Debug("short-tier breadcrumb failed",
			zap.String("memory_id", rec.MemoryID), zap.Error(err))
	}
}

// Retrieve recalls across all three tiers concurrently and merges by
// score, deduped by memory id.
func (e *Engine) Retrieve(ctx context.Context, projectID, query string, topK int) (*RetrieveResult, error) {
	if topK <= 0 {
		topK = 5
	}
	start := time.Now()

	var (
		mu      sync.Mutex
		merged  []Record
		wg      sync.WaitGroup
		nowUTC  = time.Now().UTC()
	)
	collect := func(records []Record, err error, tier string) {
		if err != nil {
			e.logger.Warn("tier recall failed", zap.String("tier", tier), zap.Error(err))
			return
		}
		mu.Lock()
		merged = append(merged, records...)
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		recs, err := e.recallShort(ctx, projectID, nowUTC)
		collect(recs, err, TierShort)
	}()
	go func() {
		defer wg.Done()
		recs, err := e.recallMid(ctx, projectID, query, topK)
		collect(recs, err, TierMid)
	}()
	go func() {
		defer wg.Done()
		recs, err := e.recallLong(ctx, projectID, query, topK)
		collect(recs, err, TierLong)
	}()
	wg.Wait()

	// Dedupe keeping the highest-scored copy of each memory.
	best := make(map[string]Record, len(merged))
	for _, r := range merged {
		if prev, ok := best[r.MemoryID]; !ok || r.Score > prev.Score {
			best[r.MemoryID] = r
		}
	}
	out := make([]Record, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}

	tokenSaved := 0
	for _, r := range out {
		tokenSaved += (len(r.Content) + 3) / 4
	}

	elapsed := time.Since(start)
	e.stats.record(elapsed, topK, true)
	e.publishSearch(query, elapsed, topK, len(out), true)

	return &RetrieveResult{
		Records:         out,
		TotalTokenSaved: tokenSaved,
		DurationMS:      float64(elapsed.Microseconds()) / 1000,
	}, nil
}

// recallShort scores every live short-tier record by exponential
// recency decay with a 5-minute half-life.
func (e *Engine) recallShort(ctx context.Context, projectID string, now time.Time) ([]Record, error) {
	if e.kv == nil {
		return nil, nil
	}
	keys, err := e.kv.Scan(ctx, shortKey(projectID, "*"), 1000)
	if err != nil {
		return nil, fmt.Errorf("scan short tier: %w", err)
	}
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		raw, err := e.kv.Get(ctx, key)
		if err != nil {
			continue // expired between scan and get
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			e.logger.Debug("malformed short-tier record", zap.String("key", key), zap.Error(err))
			continue
		}
		age := now.Sub(rec.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
		rec.Tier = TierShort
		rec.Score = math.Pow(0.5, age/shortHalfLife.Seconds())
		records = append(records, rec)
	}
	return records, nil
}

// recallMid searches the vector index by cosine similarity.
func (e *Engine) recallMid(ctx context.Context, projectID, query string, topK int) ([]Record, error) {
	if e.index == nil || e.embedder == nil || query == "" {
		return nil, nil
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := e.index.Search(ctx, MidCollection, vec, topK, vector.Filter{"project_id": projectID})
	if err != nil {
		return nil, fmt.Errorf("mid tier search: %w", err)
	}
	records := make([]Record, 0, len(hits))
	for _, h := range hits {
		rec := Record{
			MemoryID:  h.ID,
			ProjectID: projectID,
			Tier:      TierMid,
			Score:     h.Score,
		}
		if s, ok := h.Payload["content"].(string); ok {
			rec.Content = s
		}
		if s, ok := h.Payload["category"].(string); ok {
			rec.Category = s
		}
		if f, ok := h.Payload["importance"].(float64); ok {
			rec.Importance = f
		}
		if s, ok := h.Payload["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				rec.CreatedAt = t
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// recallLong scores relational rows by keyword overlap weighted by
// importance. With no usable keywords the most recent rows are scored
// by importance alone.
func (e *Engine) recallLong(ctx context.Context, projectID, query string, topK int) ([]Record, error) {
	keywords := ExtractKeywords(query, MaxQueryKeywords)

	var (
		rows []*storage.LongMemory
		err  error
	)
	if len(keywords) == 0 {
		rows, err = e.store.RecentLongMemories(ctx, projectID, 2*topK)
		if err != nil {
			return nil, fmt.Errorf("long tier recent: %w", err)
		}
		records := make([]Record, 0, len(rows))
		for _, m := range rows {
			records = append(records, longRecord(m, m.Importance))
		}
		return records, nil
	}

	rows, err = e.store.TopLongMemoriesByImportance(ctx, projectID, 3*topK)
	if err != nil {
		return nil, fmt.Errorf("long tier top: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, m := range rows {
		content := strings.ToLower(m.Content)
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		overlap := float64(matched) / float64(len(keywords))
		records = append(records, longRecord(m, overlap*m.Importance))
	}
	return records, nil
}

func longRecord(m *storage.LongMemory, score float64) Record {
	return Record{
		MemoryID:   m.MemoryID,
		ProjectID:  m.ProjectID,
		Content:    m.Content,
		Category:   m.Category,
		Importance: m.Importance,
		Tags:       []string(m.Tags),
		Tier:       TierLong,
		Score:      score,
		CreatedAt:  m.CreatedAt,
	}
}

// Delete removes a memory from every tier it may live in. Tier errors
// other than not-found are collected; deleting an id that exists
// nowhere returns storage.ErrNotFound.
func (e *Engine) Delete(ctx context.Context, projectID, memoryID string) error {
	found := false
	var errs []error

	if e.kv != nil {
		key := shortKey(projectID, memoryID)
		if _, err := e.kv.Get(ctx, key); err == nil {
			found = true
			if err := e.kv.Del(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if e.index != nil {
		if err := e.index.Delete(ctx, MidCollection, []string{memoryID}); err != nil {
			errs = append(errs, err)
		}
	}
	switch err := e.store.DeleteLongMemory(ctx, projectID, memoryID); {
	case err == nil:
		found = true
	case !errors.Is(err, storage.ErrNotFound):
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("delete memory %s: %w", memoryID, errors.Join(errs...))
	}
	if !found {
		return storage.ErrNotFound
	}
	e.publish("memory_deleted", map[string]any{
		"memory_id":  memoryID,
		"project_id": projectID,
	})
	return nil
}

// Stats returns the engine's search statistics snapshot.
func (e *Engine) Stats() SearchStats {
	return e.stats.snapshot()
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(bus.ChannelMemoryUpdates, eventType, data); err != nil {
		e.logger.Debug("memory event publish failed", zap.Error(err))
	}
}

func (e *Engine) publishSearch(query string, elapsed time.Duration, topK, results int, success bool) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(bus.ChannelVectorSearch, "search_completed", map[string]any{
		"query":     truncateQuery(query, 50),
		"top_k":     topK,
		"time_ms":   float64(elapsed.Microseconds()) / 1000,
		"results":   results,
		"success":   success,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Debug("search event publish failed", zap.Error(err))
	}
}

func truncateQuery(q string, max int) string {
	runes := []rune(q)
	if len(runes) <= max {
		return q
	}
	return string(runes[:max])
}
