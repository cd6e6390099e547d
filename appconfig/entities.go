package appconfig

import (
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/engine"
	"github.com/TimurManjosov/appconfig/internal/metering"
	"github.com/TimurManjosov/appconfig/internal/store"
)

// NoSegment is the SegmentID of an evaluation no segment rule decided.
const NoSegment = engine.NoSegment

// Evaluation is the outcome of evaluating a feature or property for one entity.
type Evaluation struct {
	Value any
	// SegmentID is the matched segment, or NoSegment.
	SegmentID string
	// Enabled is the feature's state for the entity; always true for properties.
	Enabled bool
}

// Matched reports whether a segment rule decided the value.
func (e Evaluation) Matched() bool { return e.SegmentID != NoSegment }

// Feature is a feature flag as of the moment it was retrieved.
type Feature struct {
	app  *AppConfiguration
	sess *session
	def  store.Feature
}

func (f *Feature) ID() string             { return f.def.ID }
func (f *Feature) Name() string           { return f.def.Name }
func (f *Feature) DataType() string       { return string(f.def.Type) }
func (f *Feature) Format() string         { return string(f.def.DataFormat()) }
func (f *Feature) IsEnabled() bool        { return f.def.Enabled }
func (f *Feature) EnabledValue() any      { return f.def.EnabledValue }
func (f *Feature) DisabledValue() any     { return f.def.DisabledValue }
func (f *Feature) RolloutPercentage() int { return f.def.RolloutPercentage }

// Evaluate computes the feature for entityID. attrs may be nil, which skips
// segment targeting. An empty entityID is logged and yields nil. Every
// other call is counted for usage reporting.
func (f *Feature) Evaluate(entityID string, attrs map[string]any) *Evaluation {
	if entityID == "" {
		f.app.logger.Error("a valid entity id is required", zap.String("feature_id", f.def.ID))
		return nil
	}
	segs := engine.SegmentMap(f.sess.cache.Snapshot().Segments)
	res := engine.NewEvaluator(segs, f.app.settings.RolloutSalt, f.app.logger).
		EvaluateFeature(f.def, entityID, attrs)

	f.app.record(f.sess, metering.KindFeature, f.def.ID, entityID, res.SegmentID)
	f.app.metrics.ObserveEvaluation("feature", res.Matched())
	return &Evaluation{Value: res.Value, SegmentID: res.SegmentID, Enabled: res.Enabled}
}

// GetCurrentValue returns the feature value for entityID, or nil when
// entityID is empty.
func (f *Feature) GetCurrentValue(entityID string, attrs map[string]any) any {
	if ev := f.Evaluate(entityID, attrs); ev != nil {
		return ev.Value
	}
	return nil
}

// GetDecodedValue is GetCurrentValue with JSON and YAML formatted strings
// parsed into structured values.
func (f *Feature) GetDecodedValue(entityID string, attrs map[string]any) (any, error) {
	return store.DecodeFormatted(f.def.DataFormat(), f.GetCurrentValue(entityID, attrs))
}

// Property is a configuration property as of the moment it was retrieved.
type Property struct {
	app  *AppConfiguration
	sess *session
	def  store.Property
}

func (p *Property) ID() string       { return p.def.ID }
func (p *Property) Name() string     { return p.def.Name }
func (p *Property) DataType() string { return string(p.def.Type) }
func (p *Property) Format() string   { return string(p.def.DataFormat()) }
func (p *Property) Value() any       { return p.def.Value }

// Evaluate computes the property for entityID with the same rules as
// Feature.Evaluate.
func (p *Property) Evaluate(entityID string, attrs map[string]any) *Evaluation {
	if entityID == "" {
		p.app.logger.Error("a valid entity id is required", zap.String("property_id", p.def.ID))
		return nil
	}
	segs := engine.SegmentMap(p.sess.cache.Snapshot().Segments)
	res := engine.NewEvaluator(segs, p.app.settings.RolloutSalt, p.app.logger).
		EvaluateProperty(p.def, attrs)

	p.app.record(p.sess, metering.KindProperty, p.def.ID, entityID, res.SegmentID)
	p.app.metrics.ObserveEvaluation("property", res.Matched())
	return &Evaluation{Value: res.Value, SegmentID: res.SegmentID, Enabled: res.Enabled}
}

// GetCurrentValue returns the property value for entityID, or nil when
// entityID is empty.
func (p *Property) GetCurrentValue(entityID string, attrs map[string]any) any {
	if ev := p.Evaluate(entityID, attrs); ev != nil {
		return ev.Value
	}
	return nil
}

// GetDecodedValue is GetCurrentValue with JSON and YAML formatted strings
// parsed into structured values.
func (p *Property) GetDecodedValue(entityID string, attrs map[string]any) (any, error) {
	return store.DecodeFormatted(p.def.DataFormat(), p.GetCurrentValue(entityID, attrs))
}
