package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infiligence/governed-rag/internal/models"
)

// scriptedClient returns canned responses and counts calls.
type scriptedClient struct {
	resp  *EngineResponse
	err   error
	calls int
}

func (c *scriptedClient) Evaluate(context.Context, *Request) (*EngineResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func testSubjectWithMFA(mfa bool) *models.Subject {
	return &models.Subject{
		ID:     "bob",
		Groups: []string{"eng"},
		Tenant: "dash",
		Attrs: models.SubjectAttrs{
			Clearance:    models.LabelConfidential,
			MFASatisfied: mfa,
		},
	}
}

func testCandidate() *models.FragmentCandidate {
	return &models.FragmentCandidate{
		FragmentID: "c1",
		DocumentID: "d1",
		Label:      models.LabelConfidential,
		Source:     "test",
		OwnerID:    "sam",
		Tenant:     "dash",
	}
}

func TestAdapterMappingPriority(t *testing.T) {
	tests := []struct {
		name string
		resp EngineResponse
		mfa  bool
		want models.DecisionKind
	}{
		{
			name: "step-up signalled and mfa unsatisfied wins over allow",
			resp: EngineResponse{Allow: true, StepUpRequired: true},
			mfa:  false,
			want: models.DecisionStepUp,
		},
		{
			name: "step-up signalled but mfa satisfied falls through to allow",
			resp: EngineResponse{Allow: true, StepUpRequired: true},
			mfa:  true,
			want: models.DecisionAllow,
		},
		{
			name: "plain allow",
			resp: EngineResponse{Allow: true},
			mfa:  false,
			want: models.DecisionAllow,
		},
		{
			name: "plain deny",
			resp: EngineResponse{Allow: false, Reason: "clearance-exceeded"},
			mfa:  true,
			want: models.DecisionDeny,
		},
		{
			name: "step-up signalled without allow, mfa satisfied, still deny",
			resp: EngineResponse{Allow: false, StepUpRequired: true},
			mfa:  true,
			want: models.DecisionDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{resp: &tt.resp}
			a := NewAdapter(client, time.Second)
			d := a.Evaluate(context.Background(), testSubjectWithMFA(tt.mfa), testCandidate(), models.ActionRead)
			assert.Equal(t, tt.want, d.Kind)
		})
	}
}

func TestAdapterCollapsesErrorsToDeny(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	a := NewAdapter(client, time.Second)

	d := a.Evaluate(context.Background(), testSubjectWithMFA(true), testCandidate(), models.ActionRead)
	assert.Equal(t, models.DecisionDeny, d.Kind)
	assert.Equal(t, ReasonPolicyUnavailable, d.Reason)
	assert.Equal(t, 2, client.calls, "one retry on transient errors")
}

func TestAdapterNoRetryOnDeny(t *testing.T) {
	client := &scriptedClient{resp: &EngineResponse{Allow: false, Reason: "nope"}}
	a := NewAdapter(client, time.Second)

	d := a.Evaluate(context.Background(), testSubjectWithMFA(true), testCandidate(), models.ActionRead)
	assert.Equal(t, models.DecisionDeny, d.Kind)
	assert.Equal(t, 1, client.calls, "a deny is an answer, not an error")
}

func TestAdapterCancelledContext(t *testing.T) {
	client := &scriptedClient{err: errors.New("slow backend")}
	a := NewAdapter(client, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := a.Evaluate(ctx, testSubjectWithMFA(true), testCandidate(), models.ActionRead)
	assert.Equal(t, models.DecisionDeny, d.Kind)
	assert.Equal(t, "cancelled", d.Reason)
}

func TestAdapterBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := &scriptedClient{err: errors.New("down")}
	a := NewAdapter(client, 100*time.Millisecond)
	subject := testSubjectWithMFA(true)

	for i := 0; i < 6; i++ {
		d := a.Evaluate(context.Background(), subject, testCandidate(), models.ActionRead)
		require.Equal(t, models.DecisionDeny, d.Kind)
		require.Equal(t, ReasonPolicyUnavailable, d.Reason)
	}

	// The breaker is open now: further evaluations short-circuit.
	before := client.calls
	d := a.Evaluate(context.Background(), subject, testCandidate(), models.ActionRead)
	assert.Equal(t, models.DecisionDeny, d.Kind)
	assert.Equal(t, ReasonPolicyUnavailable, d.Reason)
	assert.Equal(t, before, client.calls, "open breaker must not reach the backend")
}

func TestSubjectInputCarriesRequiredAttrs(t *testing.T) {
	s := testSubjectWithMFA(true)
	s.Attrs.Extra = map[string]string{"region": "eu", "clearance": "ignored"}

	in := SubjectInputFrom(s)
	assert.Equal(t, "confidential", in.Attrs["clearance"], "typed attrs win over the pass-through bag")
	assert.Equal(t, "true", in.Attrs["mfa_satisfied"])
	assert.Equal(t, "false", in.Attrs["allow_export"])
	assert.Equal(t, "dash", in.Attrs["tenant"])
	assert.Equal(t, "eu", in.Attrs["region"])
}
