// Package policy evaluates (subject, resource, action) triples against a
// policy decision point and normalizes the outcome into a typed decision.
package policy

import (
	"context"
	"strconv"

	"github.com/infiligence/governed-rag/internal/models"
)

// SubjectInput is the subject shape on the policy wire. Attrs always carries
// clearance and mfa_satisfied; extra subject attributes pass through.
type SubjectInput struct {
	ID     string            `json:"id"`
	Groups []string          `json:"groups"`
	Attrs  map[string]string `json:"attrs"`
}

// ResourceInput is the resource shape on the policy wire.
type ResourceInput struct {
	Label     string `json:"label"`
	Source    string `json:"source"`
	Owner     string `json:"owner"`
	Tenant    string `json:"tenant"`
	LegalHold bool   `json:"legal_hold,omitempty"`
}

// Request is one evaluation request.
type Request struct {
	Subject  SubjectInput  `json:"subject"`
	Resource ResourceInput `json:"resource"`
	Action   string        `json:"action"`
}

// EngineResponse is the raw engine output before decision mapping.
type EngineResponse struct {
	Allow          bool   `json:"allow"`
	StepUpRequired bool   `json:"step_up_required"`
	Reason         string `json:"reason,omitempty"`
	RuleID         string `json:"rule_id,omitempty"`
}

// Client is a policy engine backend: remote HTTP PDP or embedded OPA.
type Client interface {
	Evaluate(ctx context.Context, req *Request) (*EngineResponse, error)
}

// SubjectInputFrom flattens a subject into the wire shape. The tenant rides
// in attrs because the wire subject has no top-level tenant field.
func SubjectInputFrom(s *models.Subject) SubjectInput {
	attrs := map[string]string{
		"clearance":     string(s.Attrs.Clearance),
		"mfa_satisfied": strconv.FormatBool(s.Attrs.MFASatisfied),
		"allow_export":  strconv.FormatBool(s.Attrs.AllowExport),
		"tenant":        s.Tenant,
	}
	for k, v := range s.Attrs.Extra {
		if _, taken := attrs[k]; !taken {
			attrs[k] = v
		}
	}
	return SubjectInput{ID: s.ID, Groups: s.Groups, Attrs: attrs}
}

// ResourceInputFrom builds the wire resource from a pre-filter candidate.
func ResourceInputFrom(c *models.FragmentCandidate) ResourceInput {
	return ResourceInput{
		Label:     string(c.Label),
		Source:    c.Source,
		Owner:     c.OwnerID,
		Tenant:    c.Tenant,
		LegalHold: c.LegalHold,
	}
}
