package models

import (
	"fmt"
	"sort"
	"strings"
)

// ScopeKind says which dimension drivers are filtered by.
type ScopeKind string

const (
	ScopeNone         ScopeKind = ""
	ScopeOrganization ScopeKind = "organization"
	ScopeRoutes       ScopeKind = "routes"
)

// Scope is either a whole organization or an explicit set of routes inside
// it. RouteIDs is kept sorted and free of duplicates.
type Scope struct {
	Kind           ScopeKind `json:"kind"`
	OrganizationID string    `json:"organizationId"`
	RouteIDs       []string  `json:"routeIds"`
}

// OrganizationScope selects every driver of the organization.
func OrganizationScope(orgID string) Scope {
	return Scope{Kind: ScopeOrganization, OrganizationID: orgID, RouteIDs: []string{}}
}

// RouteScope selects drivers on the given routes. An empty list falls back
// to the organization view.
func RouteScope(orgID string, routeIDs ...string) Scope {
	ids := normalizeRouteIDs(routeIDs)
	if len(ids) == 0 {
		return OrganizationScope(orgID)
	}
	return Scope{Kind: ScopeRoutes, OrganizationID: orgID, RouteIDs: ids}
}

func normalizeRouteIDs(routeIDs []string) []string {
	seen := make(map[string]struct{}, len(routeIDs))
	ids := make([]string, 0, len(routeIDs))
	for _, id := range routeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s Scope) IsOrganization() bool { return s.Kind == ScopeOrganization }

func (s Scope) IsRoutes() bool { return s.Kind == ScopeRoutes }

// Contains reports whether routeID is one of the selected routes.
func (s Scope) Contains(routeID string) bool {
	if s.Kind != ScopeRoutes || routeID == "" {
		return false
	}
	i := sort.SearchStrings(s.RouteIDs, routeID)
	return i < len(s.RouteIDs) && s.RouteIDs[i] == routeID
}

// Equal compares kind, organization and route set.
func (s Scope) Equal(o Scope) bool {
	if s.Kind != o.Kind || s.OrganizationID != o.OrganizationID || len(s.RouteIDs) != len(o.RouteIDs) {
		return false
	}
	for i := range s.RouteIDs {
		if s.RouteIDs[i] != o.RouteIDs[i] {
			return false
		}
	}
	return true
}

// Covers reports whether data loaded for s is a superset of what o needs.
func (s Scope) Covers(o Scope) bool {
	if s.OrganizationID != o.OrganizationID || s.Kind == ScopeNone {
		return false
	}
	if s.Kind == ScopeOrganization {
		return true
	}
	if o.Kind != ScopeRoutes {
		return false
	}
	for _, id := range o.RouteIDs {
		if !s.Contains(id) {
			return false
		}
	}
	return true
}

// Added returns the route ids of s that o doesn't have.
func (s Scope) Added(o Scope) []string {
	var added []string
	for _, id := range s.RouteIDs {
		if !o.Contains(id) {
			added = append(added, id)
		}
	}
	return added
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeOrganization:
		return fmt.Sprintf("organization(%s)", s.OrganizationID)
	case ScopeRoutes:
		return fmt.Sprintf("routes(%s)", strings.Join(s.RouteIDs, ","))
	default:
		return "uninitialized"
	}
}
