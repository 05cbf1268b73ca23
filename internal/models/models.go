// Package models defines the core data structures for the governed
// retrieval gateway.
package models

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Sensitivity Labels
// -----------------------------------------------------------------------------

// Label is a document sensitivity class. Labels form a total order:
// Public < Internal < Confidential < Regulated.
type Label string

const (
	LabelPublic       Label = "public"
	LabelInternal     Label = "internal"
	LabelConfidential Label = "confidential"
	LabelRegulated    Label = "regulated"
)

// labelRank orders labels for clearance comparisons.
var labelRank = map[Label]int{
	LabelPublic:       0,
	LabelInternal:     1,
	LabelConfidential: 2,
	LabelRegulated:    3,
}

// Valid reports whether l is one of the four known labels.
func (l Label) Valid() bool {
	_, ok := labelRank[l]
	return ok
}

// Rank returns the label's position in the total order, or -1 if unknown.
func (l Label) Rank() int {
	r, ok := labelRank[l]
	if !ok {
		return -1
	}
	return r
}

// AtMost reports whether l <= max in the label order. Unknown labels are
// never admissible.
func (l Label) AtMost(max Label) bool {
	lr, ok := labelRank[l]
	if !ok {
		return false
	}
	mr, ok := labelRank[max]
	if !ok {
		return false
	}
	return lr <= mr
}

// AllowedLabels returns the prefix of the label order admissible under the
// given clearance. An unknown clearance admits nothing.
func AllowedLabels(clearance Label) []Label {
	max, ok := labelRank[clearance]
	if !ok {
		return nil
	}
	out := make([]Label, 0, max+1)
	for _, l := range []Label{LabelPublic, LabelInternal, LabelConfidential, LabelRegulated} {
		if labelRank[l] <= max {
			out = append(out, l)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Subjects
// -----------------------------------------------------------------------------

// SubjectAttrs is the typed attribute record for known subject attributes.
// Extra holds pass-through attributes forwarded to the policy engine verbatim.
type SubjectAttrs struct {
	Clearance    Label             `json:"clearance"`
	AllowExport  bool              `json:"allow_export"`
	MFASatisfied bool              `json:"mfa_satisfied"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Subject is an authenticated principal.
type Subject struct {
	ID             string       `json:"id" db:"id"`
	Email          string       `json:"email" db:"email"`
	Groups         []string     `json:"groups" db:"groups"`
	AssuranceLevel int          `json:"assurance_level" db:"assurance_level"`
	Attrs          SubjectAttrs `json:"attrs" db:"attrs"`
	Tenant         string       `json:"tenant" db:"tenant"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// IsAuditor reports whether the subject may read other subjects' audit trails.
func (s *Subject) IsAuditor() bool {
	for _, g := range s.Groups {
		if g == "auditor" {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Documents, Classifications, Fragments
// -----------------------------------------------------------------------------

// Document is an ingested source document. Owner and tenant are immutable
// after creation.
type Document struct {
	ID        string    `json:"id" db:"id"`
	Source    string    `json:"source" db:"source"`
	Path      string    `json:"path" db:"path"`
	Title     string    `json:"title" db:"title"`
	Mime      string    `json:"mime" db:"mime"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Tenant    string    `json:"tenant" db:"tenant"`
	LegalHold bool      `json:"legal_hold" db:"legal_hold"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Classification assigns a label to a document at a point in time. The
// document's current label is its most recent classification.
type Classification struct {
	ID         string    `json:"id" db:"id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	Label      Label     `json:"label" db:"label"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Reason     string    `json:"reason" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Fragment is the smallest retrieval unit: a contiguous piece of a document
// with an embedding and a denormalized label. A fragment's label never
// downgrades after creation; re-indexing produces new fragments.
type Fragment struct {
	ID         string    `json:"id" db:"id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	Ordinal    int       `json:"ordinal" db:"ordinal"`
	Text       string    `json:"text" db:"text"`
	Embedding  []float32 `json:"-" db:"embedding"`
	Label      Label     `json:"label" db:"label"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// FragmentCandidate is a pre-filter hit carrying provenance and similarity.
type FragmentCandidate struct {
	FragmentID string  `json:"fragment_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Label      Label   `json:"label"`
	Source     string  `json:"source"`
	OwnerID    string  `json:"owner_id"`
	Tenant     string  `json:"tenant"`
	LegalHold  bool    `json:"legal_hold"`
	Similarity float64 `json:"similarity"`
}

// -----------------------------------------------------------------------------
// Permissions and Retention
// -----------------------------------------------------------------------------

// Permission is a relation tuple surfaced to the policy engine.
type Permission struct {
	ID        string            `json:"id" db:"id"`
	SubjectID string            `json:"subject_id" db:"subject_id"`
	ObjectID  string            `json:"object_id" db:"object_id"`
	Relation  string            `json:"relation" db:"relation"`
	Attrs     map[string]string `json:"attrs" db:"attrs"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// RetentionRule maps (label, source) to a time-to-live and legal-hold flag.
// The reaper that enforces expiry lives outside this service.
type RetentionRule struct {
	Label      Label  `json:"label" db:"label"`
	Source     string `json:"source" db:"source"`
	DaysToLive int    `json:"days_to_live" db:"days_to_live"`
	LegalHold  bool   `json:"legal_hold" db:"legal_hold"`
}

// -----------------------------------------------------------------------------
// Policy Decisions
// -----------------------------------------------------------------------------

// DecisionKind is the closed set of policy outcomes. Every consumer must
// handle all three arms.
type DecisionKind string

const (
	DecisionAllow  DecisionKind = "ALLOW"
	DecisionDeny   DecisionKind = "DENY"
	DecisionStepUp DecisionKind = "STEP_UP_REQUIRED"
)

// Decision is the typed output of one policy evaluation.
type Decision struct {
	Kind   DecisionKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`
	RuleID string       `json:"rule_id,omitempty"`
}

// Deny builds a DENY decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Kind: DecisionDeny, Reason: reason}
}

// Action is the operation being authorized.
type Action string

const (
	ActionRead   Action = "read"
	ActionExport Action = "export"
)

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditAction names an authorization-relevant event.
type AuditAction string

const (
	AuditQueryIssued      AuditAction = "QUERY_ISSUED"
	AuditPDPDecision      AuditAction = "PDP_DECISION"
	AuditStepUpRequired   AuditAction = "STEP_UP_REQUIRED"
	AuditStepUpOK         AuditAction = "STEP_UP_OK"
	AuditRedactionApplied AuditAction = "REDACTION_APPLIED"
	AuditResultReturned   AuditAction = "RESULT_RETURNED"
	AuditExportAttempted  AuditAction = "EXPORT_ATTEMPTED"
	AuditExportGranted    AuditAction = "EXPORT_GRANTED"
	AuditExportDenied     AuditAction = "EXPORT_DENIED"
)

// AuditRecord is one row of the append-only ledger. Hash commits to every
// field plus the previous record's hash within the actor partition.
type AuditRecord struct {
	EventID    string         `json:"event_id" db:"event_id"`
	TS         time.Time      `json:"ts" db:"ts"`
	Actor      string         `json:"actor" db:"actor"`
	Action     AuditAction    `json:"action" db:"action"`
	ObjectID   string         `json:"object_id,omitempty" db:"object_id"`
	ObjectType string         `json:"object_type" db:"object_type"`
	Decision   string         `json:"decision" db:"decision"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Metadata   map[string]any `json:"metadata" db:"metadata"`
	Hash       string         `json:"hash" db:"hash"`
	PrevHash   *string        `json:"prev_hash" db:"prev_hash"`
}

// NewEventID returns a collision-resistant audit event identifier.
func NewEventID() string {
	return uuid.NewString()
}
