// Package synthesizer composes a human-readable response from allowed,
// redacted fragments. Composition is a deterministic extract-and-concatenate
// step; no model is involved.
package synthesizer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/infiligence/governed-rag/internal/models"
)

// InsufficientEvidenceWatermark is returned in place of a substantive answer
// when the allowed fragment count falls below the evidence threshold.
const InsufficientEvidenceWatermark = "Insufficient governed evidence is available to answer this query."

// Compose joins fragment texts in result order with their provenance.
func Compose(query string, fragments []models.FragmentCandidate, insufficient bool) string {
	if insufficient && len(fragments) == 0 {
		return InsufficientEvidenceWatermark
	}

	var b strings.Builder
	if insufficient {
		b.WriteString(InsufficientEvidenceWatermark)
		b.WriteString("\n\nPartial evidence:\n")
	} else {
		fmt.Fprintf(&b, "Evidence for %q:\n", query)
	}
	for i, f := range fragments {
		fmt.Fprintf(&b, "[%d] (%s, %s) %s\n", i+1, f.Label, f.Source, f.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExportJSON renders an export artifact as JSON.
func ExportJSON(fragments []models.FragmentCandidate) (string, error) {
	type row struct {
		FragmentID string  `json:"fragment_id"`
		DocumentID string  `json:"document_id"`
		Label      string  `json:"label"`
		Source     string  `json:"source"`
		Similarity float64 `json:"similarity"`
		Text       string  `json:"text"`
	}
	rows := make([]row, len(fragments))
	for i, f := range fragments {
		rows[i] = row{
			FragmentID: f.FragmentID,
			DocumentID: f.DocumentID,
			Label:      string(f.Label),
			Source:     f.Source,
			Similarity: f.Similarity,
			Text:       f.Text,
		}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	return string(out), nil
}

// ExportCSV renders an export artifact as CSV with a header row.
func ExportCSV(fragments []models.FragmentCandidate) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write([]string{"fragment_id", "document_id", "label", "source", "similarity", "text"}); err != nil {
		return "", fmt.Errorf("writing export header: %w", err)
	}
	for _, f := range fragments {
		rec := []string{
			f.FragmentID, f.DocumentID, string(f.Label), f.Source,
			fmt.Sprintf("%.6f", f.Similarity), f.Text,
		}
		if err := w.Write(rec); err != nil {
			return "", fmt.Errorf("writing export row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing export: %w", err)
	}
	return b.String(), nil
}
