package engine

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/rollout"
	"github.com/TimurManjosov/appconfig/internal/rules"
	"github.com/TimurManjosov/appconfig/internal/store"
)

// MatchSegment reports whether every rule of seg matches attrs.
func MatchSegment(seg rules.Segment, attrs Attributes) bool {
	for _, r := range seg.Rules {
		if !Match(r, attrs) {
			return false
		}
	}
	return true
}

// Evaluator resolves feature and property values against a segment set.
type Evaluator struct {
	segments SegmentLookup
	salt     string
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator. salt feeds the rollout hash.
func NewEvaluator(segments SegmentLookup, salt string, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{segments: segments, salt: salt, logger: logger}
}

// EvaluateFeature computes the feature value for one entity:
//
//  1. disabled features return the disabled value
//  2. entities outside the rollout percentage return the disabled value
//  3. without attributes or segment rules the enabled value is returned
//  4. otherwise the first matching segment rule decides
func (e *Evaluator) EvaluateFeature(f store.Feature, entityID string, attrs Attributes) Result {
	if !f.Enabled {
		return Result{Value: f.DisabledValue, SegmentID: NoSegment}
	}

	in, err := rollout.IsRolledOut(entityID, f.ID, f.RolloutPercentage, e.salt)
	if err != nil {
		e.logger.Warn("invalid rollout percentage, treating as full rollout",
			zap.String("feature", f.ID), zap.Int("rollout", f.RolloutPercentage))
		in = true
	}
	if !in {
		return Result{Value: f.DisabledValue, SegmentID: NoSegment}
	}

	if len(f.SegmentRules) == 0 {
		return Result{Value: f.EnabledValue, SegmentID: NoSegment, Enabled: true}
	}
	value, segmentID := e.Resolve(f.SegmentRules, attrs, f.EnabledValue)
	return Result{Value: value, SegmentID: segmentID, Enabled: true}
}

// EvaluateProperty computes the property value for one entity.
func (e *Evaluator) EvaluateProperty(p store.Property, attrs Attributes) Result {
	if len(p.SegmentRules) == 0 {
		return Result{Value: p.Value, SegmentID: NoSegment, Enabled: true}
	}
	value, segmentID := e.Resolve(p.SegmentRules, attrs, p.Value)
	return Result{Value: value, SegmentID: segmentID, Enabled: true}
}

// Resolve walks segment rules in ascending order and returns the value of
// the first one with a matching segment, or fallback with NoSegment.
// Empty attributes skip traversal entirely. Unknown segment ids never match.
func (e *Evaluator) Resolve(srs []rules.SegmentRule, attrs Attributes, fallback any) (value any, segmentID string) {
	if len(attrs) == 0 || len(srs) == 0 {
		return fallback, NoSegment
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("segment rule evaluation failed", zap.String("panic", fmt.Sprint(r)))
			value, segmentID = fallback, NoSegment
		}
	}()

	if !sort.SliceIsSorted(srs, func(i, j int) bool { return srs[i].Order < srs[j].Order }) {
		srs = rules.NormalizeSegmentRules(srs)
	}

	for _, sr := range srs {
		for _, group := range sr.Rules {
			for _, id := range group.Segments {
				seg, ok := e.segments.Segment(id)
				if !ok {
					continue
				}
				if MatchSegment(seg, attrs) {
					return sr.Value.Resolve(fallback), id
				}
			}
		}
	}
	return fallback, NoSegment
}
