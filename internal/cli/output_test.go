package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleFeatures() []FeatureRow {
	return []FeatureRow{
		{ID: "zeta", Name: "Zeta", Type: "BOOLEAN", Enabled: false, EnabledValue: true, DisabledValue: false, Rollout: 100},
		{ID: "alpha", Name: "Alpha", Type: "STRING", Enabled: true, EnabledValue: "on", DisabledValue: "off", Rollout: 40},
	}
}

func TestPrintFeatures_JSONSorted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintFeatures(&buf, sampleFeatures(), FormatJSON))

	var out struct {
		Features []FeatureRow `json:"features"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out.Features, 2)
	assert.Equal(t, "alpha", out.Features[0].ID)
	assert.Equal(t, 40, out.Features[0].Rollout)
}

func TestPrintFeatures_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintFeatures(&buf, sampleFeatures(), FormatTable))
	out := buf.String()
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "40%")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("alpha")), bytes.Index(buf.Bytes(), []byte("zeta")))
}

func TestPrintProperties_YAML(t *testing.T) {
	var buf bytes.Buffer
	rows := []PropertyRow{{ID: "limits", Name: "Limits", Type: "NUMERIC", Value: int64(10)}}
	require.NoError(t, PrintProperties(&buf, rows, FormatYAML))

	var out map[string][]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "limits", out["properties"][0]["property_id"])
	assert.Equal(t, 10, out["properties"][0]["value"])
}

func TestPrintEvaluation_TableShowsStructuredValue(t *testing.T) {
	var buf bytes.Buffer
	row := EvaluationRow{ID: "cfg", EntityID: "u1", Value: map[string]any{"limit": 5}, SegmentID: "seg1", Enabled: true}
	require.NoError(t, PrintEvaluation(&buf, row, FormatTable))
	assert.Contains(t, buf.String(), `{"limit":5}`)
	assert.Contains(t, buf.String(), "seg1")
}

func TestUnsupportedFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorContains(t, PrintEvaluation(&buf, EvaluationRow{}, OutputFormat("xml")), "unsupported format")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))
	long := "0123456789012345678901234567890123456789ABC"
	assert.Equal(t, long[:37]+"...", truncate(long))
}
