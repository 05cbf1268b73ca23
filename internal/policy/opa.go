package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// OPAClient is an embedded policy engine for deployments without a remote
// PDP. It evaluates the governed-retrieval Rego package in process.
type OPAClient struct {
	mu    sync.RWMutex
	query *rego.PreparedEvalQuery
	store storage.Store
}

// NewOPAClient creates an embedded engine preloaded with the base policy.
func NewOPAClient(ctx context.Context) (*OPAClient, error) {
	c := &OPAClient{store: inmem.New()}
	if err := c.loadModule(ctx, "base.rego", BaseRetrievalPolicy); err != nil {
		return nil, err
	}
	return c, nil
}

// loadModule prepares the evaluation query for a Rego module.
func (c *OPAClient) loadModule(ctx context.Context, filename, module string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := rego.New(
		rego.Query("data.governedrag"),
		rego.Store(c.store),
		rego.Module(filename, module),
	)

	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy: %w", err)
	}
	c.query = &pq
	return nil
}

// LoadPolicies replaces the base policy with Rego modules from disk paths.
func (c *OPAClient) LoadPolicies(ctx context.Context, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := rego.New(
		rego.Query("data.governedrag"),
		rego.Store(c.store),
		rego.Load(paths, nil),
	)

	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy: %w", err)
	}
	c.query = &pq
	return nil
}

// Evaluate runs the prepared query against one request.
func (c *OPAClient) Evaluate(ctx context.Context, req *Request) (*EngineResponse, error) {
	c.mu.RLock()
	pq := c.query
	c.mu.RUnlock()
	if pq == nil {
		return nil, fmt.Errorf("no policy loaded")
	}

	results, err := pq.Eval(ctx, rego.EvalInput(req))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy produced no result")
	}

	resultMap, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected policy result shape")
	}

	resp := &EngineResponse{}
	if allow, ok := resultMap["allow"].(bool); ok {
		resp.Allow = allow
	}
	if stepUp, ok := resultMap["step_up_required"].(bool); ok {
		resp.StepUpRequired = stepUp
	}
	resp.Reason = getString(resultMap, "reason")
	resp.RuleID = getString(resultMap, "rule_id")
	return resp, nil
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// BaseRetrievalPolicy is the default Rego policy for governed retrieval:
// tenant equality, clearance ordering, step-up for confidential and regulated
// labels on every action, export gated on allow_export, legal hold blocks
// export.
const BaseRetrievalPolicy = `
package governedrag

import future.keywords.if
import future.keywords.in

rank := {"public": 0, "internal": 1, "confidential": 2, "regulated": 3}

default allow := false
default step_up_required := false

tenant_ok if input.resource.tenant == input.subject.attrs.tenant

clearance_ok if rank[input.resource.label] <= rank[input.subject.attrs.clearance]

mfa_ok if input.subject.attrs.mfa_satisfied == "true"

export_ok if input.action != "export"

export_ok if {
    input.action == "export"
    input.subject.attrs.allow_export == "true"
    not input.resource.legal_hold
}

needs_step_up if rank[input.resource.label] >= 2

allow if {
    tenant_ok
    clearance_ok
    export_ok
    not needs_step_up
}

allow if {
    tenant_ok
    clearance_ok
    export_ok
    needs_step_up
    mfa_ok
}

step_up_required if {
    tenant_ok
    clearance_ok
    export_ok
    needs_step_up
    not mfa_ok
}

reason := "tenant-mismatch" if {
    not tenant_ok
} else := "clearance-exceeded" if {
    not clearance_ok
} else := "export-not-permitted" if {
    not export_ok
} else := "second-factor-required" if {
    step_up_required
} else := "clearance-admits-label"

rule_id := "grag.tenant" if {
    not tenant_ok
} else := "grag.clearance" if {
    not clearance_ok
} else := "grag.export" if {
    not export_ok
} else := "grag.step_up" if {
    step_up_required
} else := "grag.allow"
`
