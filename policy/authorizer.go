// Package policy decides, with an OPA Rego policy, which workflow roles an
// actor holds for a tell.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"tellbrandz/logging"
	"tellbrandz/resolution"
)

const rolesQuery = "data.tellbrandz.resolution.roles"

// DefaultPolicy grants the author the customer role and brand members the
// brand representative role. A single account may hold both.
const DefaultPolicy = `package tellbrandz.resolution

roles contains "customer" if {
	input.actor_id != ""
	input.actor_id == input.tell.author_id
}

roles contains "brand_representative" if {
	input.actor_id != ""
	input.representative
}
`

// ErrEvaluation signals the policy could not be evaluated.
var ErrEvaluation = errors.New("policy: evaluation failed")

// MembershipChecker answers whether a user represents a brand.
type MembershipChecker interface {
	IsRepresentative(ctx context.Context, brandID, userID string) (bool, error)
}

// Authorizer evaluates the role policy. It implements resolution.RoleResolver.
type Authorizer struct {
	members MembershipChecker
	query   rego.PreparedEvalQuery
	logger  *zap.Logger
}

// NewAuthorizer compiles module (DefaultPolicy when empty) once.
func NewAuthorizer(ctx context.Context, members MembershipChecker, module string) (*Authorizer, error) {
	if module == "" {
		module = DefaultPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"roles.rego": module})
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}
	query, err := rego.New(
		rego.Query(rolesQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare: %w", err)
	}
	return &Authorizer{members: members, query: query, logger: zap.NewNop()}, nil
}

func (a *Authorizer) WithLogger(l *zap.Logger) *Authorizer {
	a.logger = logging.OrNop(l).Named("policy")
	return a
}

// Roles returns the roles actorID holds for t, sorted.
func (a *Authorizer) Roles(ctx context.Context, actorID string, t resolution.TellRef) ([]resolution.Role, error) {
	representative := false
	if a.members != nil && actorID != "" && t.BrandID != "" {
		ok, err := a.members.IsRepresentative(ctx, t.BrandID, actorID)
		if err != nil {
			return nil, fmt.Errorf("policy: membership: %w", err)
		}
		representative = ok
	}

	input := map[string]interface{}{
		"actor_id":       actorID,
		"representative": representative,
		"tell": map[string]interface{}{
			"id":        t.ID,
			"brand_id":  t.BrandID,
			"author_id": t.AuthorID,
			"kind":      string(t.Kind),
		},
	}
	roles, err := a.eval(ctx, input)
	if err != nil {
		a.logger.Warn("role policy evaluation failed",
			zap.String("tell_id", t.ID),
			zap.String("actor_id", actorID),
			zap.Error(err),
		)
		return nil, err
	}
	return roles, nil
}

// HealthCheck evaluates the compiled policy against a minimal input.
func (a *Authorizer) HealthCheck(ctx context.Context) error {
	_, err := a.eval(ctx, map[string]interface{}{
		"actor_id":       "",
		"representative": false,
		"tell":           map[string]interface{}{"author_id": ""},
	})
	return err
}

func (a *Authorizer) eval(ctx context.Context, input map[string]interface{}) ([]resolution.Role, error) {
	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	// An empty partial set is still defined, so a missing result means the
	// policy does not define roles at all.
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("%w: %s undefined", ErrEvaluation, rolesQuery)
	}

	raw, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected roles type %T", ErrEvaluation, rs[0].Expressions[0].Value)
	}
	out := make([]resolution.Role, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected role value %T", ErrEvaluation, v)
		}
		out = append(out, resolution.Role(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
