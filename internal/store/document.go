package store

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/rollout"
	"github.com/TimurManjosov/appconfig/internal/rules"
)

// Document category keys.
const (
	KeyFeatures   = "features"
	KeyProperties = "properties"
	KeySegments   = "segments"
)

// Document is a parsed configuration document. A nil map means the category
// key was absent; an empty map means it was present but had no usable entries.
type Document struct {
	Features   map[string]Feature
	Properties map[string]Property
	Segments   map[string]rules.Segment
}

// Empty reports whether no category was present.
func (d *Document) Empty() bool {
	return d == nil || (d.Features == nil && d.Properties == nil && d.Segments == nil)
}

// ParseDocument decodes a configuration document. Only a document that is not
// a JSON object fails; malformed categories and entities are skipped with a
// warning so their siblings still load.
func ParseDocument(data []byte, logger *zap.Logger) (*Document, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: configuration document: %v", apperr.ErrParse, err)
	}

	doc := &Document{}
	if raw, ok := top[KeyFeatures]; ok {
		doc.Features = make(map[string]Feature)
		for i, item := range splitCategory(KeyFeatures, raw, logger) {
			f, err := parseFeature(item)
			if err != nil {
				logger.Warn("skipping feature", zap.Int("index", i), zap.Error(err))
				continue
			}
			f.SegmentRules = normalizeRules(f.SegmentRules, "feature", f.ID, logger)
			doc.Features[f.ID] = f
		}
	}
	if raw, ok := top[KeyProperties]; ok {
		doc.Properties = make(map[string]Property)
		for i, item := range splitCategory(KeyProperties, raw, logger) {
			p, err := parseProperty(item)
			if err != nil {
				logger.Warn("skipping property", zap.Int("index", i), zap.Error(err))
				continue
			}
			p.SegmentRules = normalizeRules(p.SegmentRules, "property", p.ID, logger)
			doc.Properties[p.ID] = p
		}
	}
	if raw, ok := top[KeySegments]; ok {
		doc.Segments = make(map[string]rules.Segment)
		for i, item := range splitCategory(KeySegments, raw, logger) {
			s, err := parseSegment(item)
			if err != nil {
				logger.Warn("skipping segment", zap.Int("index", i), zap.Error(err))
				continue
			}
			doc.Segments[s.ID] = s
		}
	}
	return doc, nil
}

func splitCategory(key string, raw json.RawMessage, logger *zap.Logger) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		logger.Warn("category is not an array", zap.String("category", key), zap.Error(err))
		return nil
	}
	return items
}

func parseFeature(raw json.RawMessage) (Feature, error) {
	var f Feature
	if err := json.Unmarshal(raw, &f); err != nil {
		return Feature{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	if f.ID == "" {
		return Feature{}, fmt.Errorf("%w: feature_id must not be empty", apperr.ErrParse)
	}
	if err := rollout.Validate(f.RolloutPercentage); err != nil {
		return Feature{}, fmt.Errorf("%w: feature %q: %v", apperr.ErrParse, f.ID, err)
	}
	return f, nil
}

func parseProperty(raw json.RawMessage) (Property, error) {
	var p Property
	if err := json.Unmarshal(raw, &p); err != nil {
		return Property{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	if p.ID == "" {
		return Property{}, fmt.Errorf("%w: property_id must not be empty", apperr.ErrParse)
	}
	return p, nil
}

func parseSegment(raw json.RawMessage) (rules.Segment, error) {
	var s rules.Segment
	if err := json.Unmarshal(raw, &s); err != nil {
		return rules.Segment{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	if err := rules.ValidateSegment(s); err != nil {
		return rules.Segment{}, fmt.Errorf("%w: %v", apperr.ErrParse, err)
	}
	return s, nil
}

// normalizeRules sorts segment rules by order. Inconsistent orders are kept
// (last duplicate wins) but logged.
func normalizeRules(srs []rules.SegmentRule, kind, id string, logger *zap.Logger) []rules.SegmentRule {
	if len(srs) == 0 {
		return nil
	}
	if err := rules.ValidateSegmentRules(srs); err != nil {
		logger.Warn("segment rules normalized", zap.String(kind, id), zap.Error(err))
	}
	return rules.NormalizeSegmentRules(srs)
}
