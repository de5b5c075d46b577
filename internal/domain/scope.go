package domain

import (
	"sort"
	"strings"
)

// Scope is the mandatory tenant/version filter for every index query. Its
// fields are unexported so the only way to obtain a usable Scope is NewScope;
// the zero value is rejected by every search path.
type Scope struct {
	tenant   TenantID
	versions map[VersionRef]struct{}
}

// NewScope is the single gate through which search scopes are built.
func NewScope(tenant TenantID, versions []VersionRef) (Scope, error) {
	if err := ValidateTenant(tenant); err != nil {
		return Scope{}, err
	}
	set := make(map[VersionRef]struct{}, len(versions))
	for _, v := range versions {
		if v == "" {
			return Scope{}, Invalid("version_ref", "empty version in scope")
		}
		set[v] = struct{}{}
	}
	return Scope{tenant: tenant, versions: set}, nil
}

func (s Scope) Tenant() TenantID { return s.tenant }

// Valid is false for the zero Scope.
func (s Scope) Valid() bool { return s.tenant != "" && s.versions != nil }

func (s Scope) Empty() bool { return len(s.versions) == 0 }

// Admits reports whether a record owned by tenant in version ref is visible.
func (s Scope) Admits(tenant TenantID, ref VersionRef) bool {
	if !s.Valid() || tenant != s.tenant {
		return false
	}
	_, ok := s.versions[ref]
	return ok
}

// Versions returns the scoped version refs in sorted order.
func (s Scope) Versions() []VersionRef {
	out := make([]VersionRef, 0, len(s.versions))
	for v := range s.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require returns an IsolationViolation if the scope was not built by NewScope.
func (s Scope) Require(where string) error {
	if !s.Valid() {
		return &IsolationViolation{Where: where}
	}
	return nil
}

func ValidateTenant(t TenantID) error {
	if t == "" {
		return Invalid("tenant_id", "must not be empty")
	}
	if strings.ContainsAny(string(t), "/\\\x00") || t == "." || t == ".." {
		return Invalid("tenant_id", "contains path characters")
	}
	return nil
}

// SearchRequest can only be built from a valid Scope.
type SearchRequest struct {
	scope   Scope
	Query   string
	TopKRaw int
}

func NewSearchRequest(scope Scope, query string, topKRaw int) (SearchRequest, error) {
	if err := scope.Require("search request"); err != nil {
		return SearchRequest{}, err
	}
	if strings.TrimSpace(query) == "" {
		return SearchRequest{}, Invalid("query", "must not be empty")
	}
	if topKRaw <= 0 {
		return SearchRequest{}, Invalid("top_k_raw", "must be positive, got %d", topKRaw)
	}
	return SearchRequest{scope: scope, Query: query, TopKRaw: topKRaw}, nil
}

func (r SearchRequest) Scope() Scope { return r.scope }
