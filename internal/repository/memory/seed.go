package memory

import (
	"context"
	"fmt"

	"github.com/infiligence/governed-rag/internal/models"
)

// Seed loads a small demo corpus into the store for dev mode: four subjects,
// one per clearance level, and one classified, embedded fragment per label.
// embed must produce vectors of the configured dimension.
func Seed(ctx context.Context, s *Store, tenant string, embed func(string) []float32) error {
	subjects := []models.Subject{
		{
			ID: "alice", Email: "alice@example.com", Groups: []string{"eng"},
			AssuranceLevel: 1, Tenant: tenant,
			Attrs: models.SubjectAttrs{Clearance: models.LabelInternal, AllowExport: true},
		},
		{
			ID: "bob", Email: "bob@example.com", Groups: []string{"eng"},
			AssuranceLevel: 2, Tenant: tenant,
			Attrs: models.SubjectAttrs{Clearance: models.LabelConfidential},
		},
		{
			ID: "sam", Email: "sam@example.com", Groups: []string{"legal", "auditor"},
			AssuranceLevel: 3, Tenant: tenant,
			Attrs: models.SubjectAttrs{Clearance: models.LabelRegulated, AllowExport: true},
		},
		{
			ID: "eve", Email: "eve@example.com", Groups: []string{"sales"},
			AssuranceLevel: 1, Tenant: tenant,
			Attrs: models.SubjectAttrs{Clearance: models.LabelPublic},
		},
	}
	for i := range subjects {
		if err := s.CreateSubject(ctx, &subjects[i]); err != nil {
			return fmt.Errorf("seeding subject %s: %w", subjects[i].ID, err)
		}
	}

	corpus := []struct {
		id    string
		label models.Label
		text  string
	}{
		{"doc-public", models.LabelPublic, "The published policy handbook is available to everyone."},
		{"doc-internal", models.LabelInternal, "Internal policy draft: contact john@acme.com for review."},
		{"doc-confidential", models.LabelConfidential, "Confidential policy exceptions for Q3 accounts."},
		{"doc-regulated", models.LabelRegulated, "Regulated policy record, MRN-4837291 attached."},
	}
	for i, d := range corpus {
		doc := models.Document{
			ID: d.id, Source: "seed", Path: "/seed/" + d.id, Title: d.id,
			Mime: "text/plain", OwnerID: "sam", Tenant: tenant,
		}
		if err := s.CreateDocument(ctx, &doc); err != nil {
			return fmt.Errorf("seeding document %s: %w", d.id, err)
		}
		cls := models.Classification{
			ID: d.id + "-cls", DocumentID: d.id, Label: d.label,
			Confidence: 0.99, Reason: "seed",
		}
		if err := s.AddClassification(ctx, &cls); err != nil {
			return fmt.Errorf("seeding classification %s: %w", d.id, err)
		}
		frag := models.Fragment{
			ID: fmt.Sprintf("frag-%d", i+1), DocumentID: d.id, Ordinal: 0,
			Text: d.text, Embedding: embed(d.text), Label: d.label,
		}
		if err := s.CreateFragment(ctx, &frag); err != nil {
			return fmt.Errorf("seeding fragment for %s: %w", d.id, err)
		}
	}

	return nil
}
