package synthesizer

import (
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infiligence/governed-rag/internal/models"
)

func frags() []models.FragmentCandidate {
	return []models.FragmentCandidate{
		{FragmentID: "f1", DocumentID: "d1", Label: models.LabelPublic, Source: "seed", Similarity: 0.91, Text: "first"},
		{FragmentID: "f2", DocumentID: "d2", Label: models.LabelInternal, Source: "seed", Similarity: 0.82, Text: "second, with comma"},
	}
}

func TestComposeDeterministic(t *testing.T) {
	a := Compose("policy", frags(), false)
	b := Compose("policy", frags(), false)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "first")
	assert.Contains(t, a, "[2] (internal, seed) second, with comma")
}

func TestComposeWatermark(t *testing.T) {
	empty := Compose("policy", nil, true)
	assert.Equal(t, InsufficientEvidenceWatermark, empty)

	partial := Compose("policy", frags()[:1], true)
	assert.Contains(t, partial, InsufficientEvidenceWatermark)
	assert.Contains(t, partial, "first", "partial evidence still listed")
}

func TestExportJSON(t *testing.T) {
	out, err := ExportJSON(frags())
	require.NoError(t, err)
	assert.Contains(t, out, `"fragment_id":"f1"`)
	assert.Contains(t, out, `"label":"internal"`)
}

func TestExportCSV(t *testing.T) {
	out, err := ExportCSV(frags())
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"fragment_id", "document_id", "label", "source", "similarity", "text"}, records[0])
	assert.Equal(t, "second, with comma", records[2][5])
}
