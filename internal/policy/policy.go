// ABOUTME: Signed policy document types, including the scoped-rule tagged union
// ABOUTME: Rules target exactly one of an entity type, a tenant, or an agent

package policy

import (
	"encoding/json"
	"fmt"
)

// Document is the policy payload the gateway consumes. It is replaced
// wholesale on every load; nothing patches it in place.
type Document struct {
	Version   string `json:"version"`
	UpdatedBy string `json:"updatedBy"`
	Rules     []Rule `json:"rules"`
}

// RuleScope identifies what a rule applies to. Exactly one variant is
// present on any rule.
type RuleScope interface {
	scopeLevel() string
}

// EntityScope applies a rule to every subject of one entity type.
type EntityScope struct {
	EntityType string
}

func (EntityScope) scopeLevel() string { return "entity" }

// TenantScope applies a rule to one tenant.
type TenantScope struct {
	Tenant string
}

func (TenantScope) scopeLevel() string { return "tenant" }

// AgentScope applies a rule to a single agent.
type AgentScope struct {
	AgentID string
}

func (AgentScope) scopeLevel() string { return "agent" }

// Rule is one scoped policy rule with its free-form catalogs and
// constraints. The scope discriminator on the wire is whichever of
// entityType/tenant/agentId is set.
type Rule struct {
	Scope       RuleScope
	Catalogs    []string
	Constraints map[string]any
}

// ruleWire is the on-disk shape of a rule.
type ruleWire struct {
	EntityType  string         `json:"entityType,omitempty"`
	Tenant      string         `json:"tenant,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
	Catalogs    []string       `json:"catalogs,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// UnmarshalJSON decodes a rule, rejecting rules that declare zero or more
// than one scope discriminator.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	set := 0
	if w.EntityType != "" {
		set++
		r.Scope = EntityScope{EntityType: w.EntityType}
	}
	if w.Tenant != "" {
		set++
		r.Scope = TenantScope{Tenant: w.Tenant}
	}
	if w.AgentID != "" {
		set++
		r.Scope = AgentScope{AgentID: w.AgentID}
	}
	if set != 1 {
		return fmt.Errorf("rule must set exactly one of entityType, tenant, agentId (got %d)", set)
	}

	r.Catalogs = w.Catalogs
	r.Constraints = w.Constraints
	return nil
}

// MarshalJSON encodes a rule back to its wire shape.
func (r Rule) MarshalJSON() ([]byte, error) {
	w := ruleWire{Catalogs: r.Catalogs, Constraints: r.Constraints}
	switch s := r.Scope.(type) {
	case EntityScope:
		w.EntityType = s.EntityType
	case TenantScope:
		w.Tenant = s.Tenant
	case AgentScope:
		w.AgentID = s.AgentID
	default:
		return nil, fmt.Errorf("rule has no scope")
	}
	return json.Marshal(&w)
}
