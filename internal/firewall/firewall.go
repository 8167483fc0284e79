package firewall

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/bus"
	"github.com/contextd/contextd/internal/storage"
	"github.com/contextd/contextd/internal/storage/embed"
	"github.com/contextd/contextd/internal/storage/vector"
)

// Matching thresholds.
const (
	matchThreshold = 0.50
	highRiskFloor  = 0.85
)

// ErrorCollection is the vector collection holding error-scene
// embeddings, maintained best-effort for analytics.
const ErrorCollection = "error_patterns"

// publishQueueLen bounds the background publisher's queue.
const publishQueueLen = 256

// RecordInput is the input to RecordError.
type RecordInput struct {
	ErrorType          string
	ErrorScene         string
	Features           map[string]any
	ErrorMessage       string
	Solution           string
	SolutionConfidence float64
	BlockLevel         string
}

// RecordResult reports what RecordError did.
type RecordResult struct {
	ErrorID         string `json:"error_id"`
	IsNew           bool   `json:"is_new"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// Decision is the outcome of a check_operation call.
type Decision struct {
	ShouldBlock bool    `json:"should_block"`
	Risk        string  `json:"risk"`
	Confidence  float64 `json:"confidence"`
	Matched     bool    `json:"matched"`
	ErrorID     string  `json:"error_id,omitempty"`
	BlockLevel  string  `json:"block_level,omitempty"`
	Solution    string  `json:"solution,omitempty"`
}

type busEvent struct {
	eventType string
	data      map[string]any
}

// Firewall matches operations against recorded error patterns.
type Firewall struct {
	store    storage.Store
	index    vector.Index
	embedder embed.Embedder
	bus      *bus.Bus
	logger   *zap.Logger
	events   chan busEvent
	done     chan struct{}
}

// Options configures a Firewall. Index and embedder are optional; when
// absent, error-scene embeddings are simply not stored.
type Options struct {
	Store    storage.Store
	Index    vector.Index
	Embedder embed.Embedder
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// New creates the firewall and starts its background publisher.
func New(ctx context.Context, opts Options) (*Firewall, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &Firewall{
		store:    opts.Store,
		index:    opts.Index,
		embedder: opts.Embedder,
		bus:      opts.Bus,
		logger:   opts.Logger,
		events:   make(chan busEvent, publishQueueLen),
		done:     make(chan struct{}),
	}
	if f.index != nil && f.embedder != nil {
		if err := f.index.EnsureCollection(ctx, ErrorCollection, f.embedder.Dimension()); err != nil {
			// The check path never needs embeddings; run without them.
			f.logger.Warn("error-scene embeddings disabled", zap.Error(err))
			f.index = nil
		}
	}
	go f.publishLoop()
	return f, nil
}

// Close stops the background publisher.
func (f *Firewall) Close() {
	close(f.done)
}

// RecordError fingerprints and upserts an error pattern. Repeated
// submissions of the same fingerprint increment occurrence_count.
func (f *Firewall) RecordError(ctx context.Context, in RecordInput) (*RecordResult, error) {
	if in.ErrorType == "" {
		return nil, fmt.Errorf("error_type is required")
	}
	if in.BlockLevel == "" {
		in.BlockLevel = "none"
	}

	pattern := &storage.ErrorPattern{
		ErrorID:            Fingerprint(in.ErrorType, in.Features),
		ErrorType:          in.ErrorType,
		ErrorScene:         in.ErrorScene,
		Features:           storage.JSONMap(in.Features),
		ErrorMessage:       in.ErrorMessage,
		Solution:           in.Solution,
		SolutionConfidence: in.SolutionConfidence,
		BlockLevel:         in.BlockLevel,
	}
	isNew, err := f.store.UpsertErrorPattern(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("record error: %w", err)
	}

	if isNew {
		f.storeSceneEmbedding(ctx, pattern)
		f.enqueue("error_recorded", map[string]any{
			"error_id":    pattern.ErrorID,
			"error_type":  pattern.ErrorType,
			"error_scene": pattern.ErrorScene,
			"is_new":      true,
		})
	}
	return &RecordResult{
		ErrorID:         pattern.ErrorID,
		IsNew:           isNew,
		OccurrenceCount: pattern.OccurrenceCount,
	}, nil
}

// CheckOperation decides whether an operation matches a recorded error
// pattern: exact fingerprint first, then feature overlap against rows
// of the same type.
func (f *Firewall) CheckOperation(ctx context.Context, operationType string, params map[string]any) (*Decision, error) {
	errorID := Fingerprint(operationType, params)
	if p, err := f.store.GetErrorPattern(ctx, errorID); err == nil {
		// An exact fingerprint hit always counts as a match; block_level
		// only decides whether the operation is intercepted.
		d := &Decision{
			ShouldBlock: p.BlockLevel == "block",
			Risk:        "high",
			Confidence:  1.0,
			Matched:     true,
			ErrorID:     p.ErrorID,
			BlockLevel:  p.BlockLevel,
			Solution:    p.Solution,
		}
		if p.BlockLevel == "warning" || p.BlockLevel == "block" {
			f.publishIntercept(operationType, d, p.ErrorMessage)
		}
		return d, nil
	}

	patterns, err := f.store.ErrorPatternsByType(ctx, operationType)
	if err != nil {
		return nil, fmt.Errorf("check operation: %w", err)
	}

	var (
		best     *storage.ErrorPattern
		bestConf float64
	)
	for _, p := range patterns {
		conf := featureOverlap(p.Features, params)
		if conf > bestConf {
			best, bestConf = p, conf
		}
	}

	if best != nil && bestConf >= matchThreshold &&
		(best.BlockLevel == "warning" || best.BlockLevel == "block") {
		risk := "medium"
		if bestConf >= highRiskFloor {
			risk = "high"
		}
		d := &Decision{
			ShouldBlock: best.BlockLevel == "block",
			Risk:        risk,
			Confidence:  bestConf,
			Matched:     true,
			ErrorID:     best.ErrorID,
			BlockLevel:  best.BlockLevel,
			Solution:    best.Solution,
		}
		f.publishIntercept(operationType, d, best.ErrorMessage)
		return d, nil
	}

	return &Decision{ShouldBlock: false, Risk: "low"}, nil
}

// featureOverlap credits each stored feature present in the operation
// params: 1.0 exact, 0.8 case-insensitive string match, else 0.
func featureOverlap(stored storage.JSONMap, params map[string]any) float64 {
	if len(stored) == 0 {
		return 0
	}
	var sum float64
	for key, want := range stored {
		got, ok := params[key]
		if !ok {
			continue
		}
		wantStr := fmt.Sprintf("%v", want)
		gotStr := fmt.Sprintf("%v", got)
		switch {
		case wantStr == gotStr:
			sum += 1.0
		case strings.EqualFold(wantStr, gotStr):
			sum += 0.8
		}
	}
	return sum / float64(len(stored))
}

// QueryErrors returns stored patterns matching the filter.
func (f *Firewall) QueryErrors(ctx context.Context, filter storage.ErrorPatternFilter) ([]*storage.ErrorPattern, error) {
	return f.store.QueryErrorPatterns(ctx, filter)
}

// Stats returns the firewall's aggregate counters.
func (f *Firewall) Stats(ctx context.Context) (*storage.ErrorPatternStats, error) {
	return f.store.GetErrorPatternStats(ctx)
}

// storeSceneEmbedding embeds the error scene into the analytics
// collection, best-effort.
func (f *Firewall) storeSceneEmbedding(ctx context.Context, p *storage.ErrorPattern) {
	if f.index == nil || f.embedder == nil || p.ErrorScene == "" {
		return
	}
	vec, err := f.embedder.Embed(ctx, p.ErrorScene)
	if err != nil {
		f.logger.Debug("error-scene embed failed", zap.String("error_id", p.ErrorID), zap.Error(err))
		return
	}
	point := vector.Point{
		ID:     p.ErrorID,
		Vector: vec,
		Payload: map[string]any{
			"error_type":  p.ErrorType,
			"block_level": p.BlockLevel,
			"recorded_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := f.index.Upsert(ctx, ErrorCollection, []vector.Point{point}); err != nil {
		f.logger.Debug("error-scene upsert failed", zap.String("error_id", p.ErrorID), zap.Error(err))
	}
}

func (f *Firewall) publishIntercept(operationType string, d *Decision, message string) {
	action := "warned"
	if d.ShouldBlock {
		action = "blocked"
	}
	f.enqueue("error_intercepted", map[string]any{
		"error_id":         d.ErrorID,
		"operation_type":   operationType,
		"action":           action,
		"match_confidence": d.Confidence,
		"solution":         d.Solution,
		"message":          message,
	})
}

// enqueue hands an event to the background publisher. A full queue
// drops the event with a debug log; the caller never blocks or fails.
func (f *Firewall) enqueue(eventType string, data map[string]any) {
	select {
	case f.events <- busEvent{eventType: eventType, data: data}:
	default:
		f.logger.Debug("firewall event queue full, dropping", zap.String("event", eventType))
	}
}

func (f *Firewall) publishLoop() {
	for {
		select {
		case <-f.done:
			return
		case ev := <-f.events:
			if f.bus == nil {
				continue
			}
			if err := f.bus.Publish(bus.ChannelErrorFirewall, ev.eventType, ev.data); err != nil {
				f.logger.Debug("firewall event publish failed", zap.Error(err))
			}
		}
	}
}
