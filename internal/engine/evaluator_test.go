package engine

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/TimurManjosov/appconfig/internal/rollout"
	"github.com/TimurManjosov/appconfig/internal/rules"
	"github.com/TimurManjosov/appconfig/internal/store"
)

func TestOperatorHandlers(t *testing.T) {
	tests := []struct {
		name      string
		op        rules.Operator
		entity    any
		candidate any
		want      bool
	}{
		{name: "is same type string", op: rules.OpIs, entity: "premium", candidate: "premium", want: true},
		{name: "is same type mismatch", op: rules.OpIs, entity: "premium", candidate: "free", want: false},
		{name: "is same type int64", op: rules.OpIs, entity: int64(81), candidate: int64(81), want: true},
		{name: "is cross type int vs string", op: rules.OpIs, entity: 81, candidate: "81", want: true},
		{name: "is cross type int vs int64", op: rules.OpIs, entity: 81, candidate: int64(81), want: true},
		{name: "is cross type bool vs string", op: rules.OpIs, entity: true, candidate: "true", want: true},
		{name: "is cross type float vs string", op: rules.OpIs, entity: 1.5, candidate: "1.50", want: false},
		{name: "is nil operand", op: rules.OpIs, entity: nil, candidate: "x", want: false},
		{name: "contains", op: rules.OpContains, entity: "premium_plan", candidate: "um_p", want: true},
		{name: "contains number", op: rules.OpContains, entity: 12345, candidate: "234", want: true},
		{name: "startsWith", op: rules.OpStartsWith, entity: "premium_plan", candidate: "premium", want: true},
		{name: "startsWith false", op: rules.OpStartsWith, entity: "premium_plan", candidate: "plan", want: false},
		{name: "endsWith", op: rules.OpEndsWith, entity: "x@in.ibm.com", candidate: "in.ibm.com", want: true},
		{name: "endsWith false", op: rules.OpEndsWith, entity: "x@other.com", candidate: "in.ibm.com", want: false},
		{name: "greaterThan int float", op: rules.OpGreaterThan, entity: 10, candidate: 9.5, want: true},
		{name: "greaterThan numeric string", op: rules.OpGreaterThan, entity: "21", candidate: int64(18), want: true},
		{name: "lesserThan", op: rules.OpLesserThan, entity: 5, candidate: int64(18), want: true},
		{name: "greaterThanEquals equal", op: rules.OpGreaterThanEquals, entity: 18.0, candidate: int64(18), want: true},
		{name: "lesserThanEquals json number", op: rules.OpLesserThanEquals, entity: json.Number("12"), candidate: 12, want: true},
		{name: "numeric non-numeric string", op: rules.OpGreaterThan, entity: "abc", candidate: 1, want: false},
		{name: "numeric bool", op: rules.OpGreaterThan, entity: true, candidate: 0, want: false},
		{name: "numeric candidate non-numeric", op: rules.OpLesserThan, entity: 3, candidate: "three", want: false},
		{name: "numeric padded string", op: rules.OpLesserThanEquals, entity: " 7 ", candidate: 7, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, ok := getOperatorHandler(tt.op)
			if !ok {
				t.Fatalf("handler not found for %q", tt.op)
			}
			if got := handler.Check(tt.entity, tt.candidate); got != tt.want {
				t.Fatalf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	rule := rules.Rule{AttributeName: "country", Operator: rules.OpIs, Values: []any{"DE", "AT"}}

	if !Match(rule, Attributes{"country": "AT"}) {
		t.Error("expected match on second value")
	}
	if Match(rule, Attributes{"country": "US"}) {
		t.Error("expected no match")
	}
	if Match(rule, Attributes{"region": "AT"}) {
		t.Error("missing attribute must not match")
	}
	if Match(rule, Attributes{"country": nil}) {
		t.Error("nil attribute must not match")
	}
	if Match(rules.Rule{AttributeName: "country", Operator: "regex", Values: []any{".*"}}, Attributes{"country": "AT"}) {
		t.Error("unknown operator must not match")
	}
}

func TestMatchSegment_AND(t *testing.T) {
	seg := rules.Segment{ID: "s", Rules: []rules.Rule{
		{AttributeName: "email", Operator: rules.OpEndsWith, Values: []any{"ibm.com"}},
		{AttributeName: "age", Operator: rules.OpGreaterThanEquals, Values: []any{int64(18)}},
		{AttributeName: "plan", Operator: rules.OpIs, Values: []any{"gold"}},
	}}

	if !MatchSegment(seg, Attributes{"email": "a@ibm.com", "age": 30, "plan": "gold"}) {
		t.Error("expected all rules to match")
	}
	if MatchSegment(seg, Attributes{"email": "a@ibm.com", "age": 30, "plan": "silver"}) {
		t.Error("one failing rule must fail the segment")
	}
	if MatchSegment(seg, Attributes{"email": "a@ibm.com", "plan": "gold"}) {
		t.Error("missing attribute must fail the segment")
	}
}

// countingLookup records segment lookups.
type countingLookup struct {
	SegmentMap
	calls int
}

func (c *countingLookup) Segment(id string) (rules.Segment, bool) {
	c.calls++
	return c.SegmentMap.Segment(id)
}

func ibmSegments() SegmentMap {
	return SegmentMap{
		"kg92d3wa": {ID: "kg92d3wa", Rules: []rules.Rule{
			{AttributeName: "email", Operator: rules.OpEndsWith, Values: []any{"in.ibm.com"}},
		}},
		"keuyclvf": {ID: "keuyclvf", Rules: []rules.Rule{
			{AttributeName: "tier", Operator: rules.OpIs, Values: []any{"gold"}},
		}},
	}
}

func defaultFeature() store.Feature {
	return store.Feature{
		ID:                "defaultfeature",
		Type:              store.TypeString,
		Enabled:           true,
		EnabledValue:      "hello",
		DisabledValue:     "Bye",
		RolloutPercentage: 100,
		SegmentRules: []rules.SegmentRule{
			{Order: 1, Value: rules.Literal("Welcome"), Rules: []rules.RuleGroup{{Segments: []string{"kg92d3wa"}}}},
		},
	}
}

func TestEvaluateFeature_Scenario(t *testing.T) {
	e := NewEvaluator(ibmSegments(), "", nil)
	f := defaultFeature()

	got := e.EvaluateFeature(f, "user1", Attributes{"email": "x@in.ibm.com"})
	if got.Value != "Welcome" || got.SegmentID != "kg92d3wa" || !got.Enabled {
		t.Errorf("matching entity: got %+v", got)
	}

	got = e.EvaluateFeature(f, "user1", Attributes{"email": "x@other.com"})
	if got.Value != "hello" || got.SegmentID != NoSegment || got.Matched() {
		t.Errorf("non-matching entity: got %+v", got)
	}
}

func TestEvaluateFeature_Disabled(t *testing.T) {
	lookup := &countingLookup{SegmentMap: ibmSegments()}
	e := NewEvaluator(lookup, "", nil)
	f := defaultFeature()
	f.Enabled = false

	got := e.EvaluateFeature(f, "user1", Attributes{"email": "x@in.ibm.com"})
	if got.Value != "Bye" || got.SegmentID != NoSegment || got.Enabled {
		t.Errorf("got %+v", got)
	}
	if lookup.calls != 0 {
		t.Errorf("disabled feature looked up %d segments", lookup.calls)
	}
}

func TestEvaluateFeature_EmptyAttributesSkipTargeting(t *testing.T) {
	lookup := &countingLookup{SegmentMap: ibmSegments()}
	e := NewEvaluator(lookup, "", nil)

	for _, attrs := range []Attributes{nil, {}} {
		got := e.EvaluateFeature(defaultFeature(), "user1", attrs)
		if got.Value != "hello" || got.SegmentID != NoSegment {
			t.Errorf("attrs %v: got %+v", attrs, got)
		}
	}
	if lookup.calls != 0 {
		t.Errorf("expected zero segment lookups, got %d", lookup.calls)
	}
}

func TestEvaluateFeature_DefaultMarker(t *testing.T) {
	e := NewEvaluator(ibmSegments(), "", nil)
	f := defaultFeature()
	f.SegmentRules[0].Value = rules.BaseValue()

	got := e.EvaluateFeature(f, "user1", Attributes{"email": "x@in.ibm.com"})
	if got.Value != "hello" || got.SegmentID != "kg92d3wa" {
		t.Errorf("got %+v, want enabled value with matched segment", got)
	}
}

func TestEvaluateFeature_Rollout(t *testing.T) {
	e := NewEvaluator(ibmSegments(), "salt", nil)
	f := defaultFeature()
	f.RolloutPercentage = 50

	for i := 0; i < 100; i++ {
		id := "entity-" + strconv.Itoa(i)
		got := e.EvaluateFeature(f, id, Attributes{"email": "x@in.ibm.com"})
		in := rollout.Bucket(id, f.ID, "salt") < 50
		if in && (got.Value != "Welcome" || !got.Enabled) {
			t.Fatalf("%s in rollout: got %+v", id, got)
		}
		if !in && (got.Value != "Bye" || got.Enabled || got.SegmentID != NoSegment) {
			t.Fatalf("%s outside rollout: got %+v", id, got)
		}
	}

	f.RolloutPercentage = 0
	if got := e.EvaluateFeature(f, "entity-1", nil); got.Value != "Bye" {
		t.Errorf("rollout 0: got %+v", got)
	}
}

func TestEvaluateFeature_NoSegmentRules(t *testing.T) {
	e := NewEvaluator(ibmSegments(), "", nil)
	f := defaultFeature()
	f.SegmentRules = nil

	got := e.EvaluateFeature(f, "user1", Attributes{"email": "x@in.ibm.com"})
	if got.Value != "hello" || got.SegmentID != NoSegment {
		t.Errorf("got %+v", got)
	}
}

func TestEvaluateProperty_Scenario(t *testing.T) {
	e := NewEvaluator(ibmSegments(), "", nil)
	p := store.Property{
		ID:    "numericproperty",
		Type:  store.TypeNumeric,
		Value: int64(10),
		SegmentRules: []rules.SegmentRule{
			{Order: 1, Value: rules.Literal(int64(81)), Rules: []rules.RuleGroup{{Segments: []string{"keuyclvf"}}}},
		},
	}

	tests := []struct {
		name      string
		attrs     Attributes
		want      any
		wantSegID string
	}{
		{name: "matching", attrs: Attributes{"tier": "gold"}, want: int64(81), wantSegID: "keuyclvf"},
		{name: "non-matching", attrs: Attributes{"tier": "silver"}, want: int64(10), wantSegID: NoSegment},
		{name: "empty attributes", attrs: nil, want: int64(10), wantSegID: NoSegment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.EvaluateProperty(p, tt.attrs)
			if got.Value != tt.want || got.SegmentID != tt.wantSegID {
				t.Errorf("got %+v, want value %v segment %s", got, tt.want, tt.wantSegID)
			}
		})
	}
}

func TestResolve_OrderAndFirstMatch(t *testing.T) {
	segs := SegmentMap{
		"a": {ID: "a", Rules: []rules.Rule{{AttributeName: "x", Operator: rules.OpIs, Values: []any{"1"}}}},
		"b": {ID: "b", Rules: []rules.Rule{{AttributeName: "x", Operator: rules.OpStartsWith, Values: []any{"1"}}}},
	}
	e := NewEvaluator(segs, "", nil)
	srs := []rules.SegmentRule{
		{Order: 2, Value: rules.Literal("second"), Rules: []rules.RuleGroup{{Segments: []string{"a"}}}},
		{Order: 1, Value: rules.Literal("first"), Rules: []rules.RuleGroup{
			{Segments: []string{"missing", "b"}},
			{Segments: []string{"a"}},
		}},
	}

	value, seg := e.Resolve(srs, Attributes{"x": "1"}, "fallback")
	if value != "first" || seg != "b" {
		t.Errorf("got (%v, %s), want (first, b)", value, seg)
	}

	value, seg = e.Resolve(srs, Attributes{"x": "2"}, "fallback")
	if value != "fallback" || seg != NoSegment {
		t.Errorf("got (%v, %s), want fallback", value, seg)
	}
}

type panicLookup struct{}

func (panicLookup) Segment(string) (rules.Segment, bool) { panic("boom") }

func TestResolve_RecoversToFallback(t *testing.T) {
	e := NewEvaluator(panicLookup{}, "", nil)
	srs := []rules.SegmentRule{{Order: 1, Value: rules.Literal("x"), Rules: []rules.RuleGroup{{Segments: []string{"a"}}}}}

	value, seg := e.Resolve(srs, Attributes{"k": "v"}, "fallback")
	if value != "fallback" || seg != NoSegment {
		t.Errorf("got (%v, %s), want fallback", value, seg)
	}
}
