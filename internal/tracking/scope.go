package tracking

import (
	"fleetwatch/internal/live"
	"fleetwatch/internal/models"
)

// LoadPlan is what a scope change requires from the snapshot loader.
type LoadPlan int

const (
	PlanNoop LoadPlan = iota
	PlanLoadOrganization
	PlanLoadRoutes
	// PlanNarrow keeps the store as is; projection hides what falls out.
	PlanNarrow
)

func (p LoadPlan) String() string {
	switch p {
	case PlanLoadOrganization:
		return "load_organization"
	case PlanLoadRoutes:
		return "load_routes"
	case PlanNarrow:
		return "narrow"
	default:
		return "noop"
	}
}

// ScopeController tracks the selected scope, the scope the store was last
// loaded for and a generation that invalidates in-flight loads. It is not
// safe for concurrent use; the Tracker serializes access.
type ScopeController struct {
	orgID      string
	current    models.Scope
	loaded     models.Scope
	generation uint64
}

func NewScopeController(orgID string) *ScopeController {
	return &ScopeController{orgID: orgID}
}

func (c *ScopeController) Current() models.Scope { return c.current }

func (c *ScopeController) Loaded() models.Scope { return c.loaded }

func (c *ScopeController) Generation() uint64 { return c.generation }

// Normalize pins the session organization and turns an empty route set
// into the organization scope.
func (c *ScopeController) Normalize(s models.Scope) models.Scope {
	if s.Kind == models.ScopeRoutes {
		return models.RouteScope(c.orgID, s.RouteIDs...)
	}
	return models.OrganizationScope(c.orgID)
}

// Plan decides what switching to next takes without changing state.
func (c *ScopeController) Plan(next models.Scope, storeEmpty bool) LoadPlan {
	next = c.Normalize(next)
	if c.current.Equal(next) {
		return PlanNoop
	}
	if next.IsOrganization() {
		return PlanLoadOrganization
	}
	if storeEmpty || !c.loaded.Covers(next) {
		return PlanLoadRoutes
	}
	return PlanNarrow
}

// Switch commits next as the current scope. Any change bumps the
// generation so responses for the previous scope get discarded.
func (c *ScopeController) Switch(next models.Scope, storeEmpty bool) (models.Scope, LoadPlan, uint64) {
	next = c.Normalize(next)
	plan := c.Plan(next, storeEmpty)
	if plan == PlanNoop {
		return c.current, plan, c.generation
	}
	c.current = next
	c.generation++
	return next, plan, c.generation
}

// Reload forces a refetch of the current scope.
func (c *ScopeController) Reload() (models.Scope, LoadPlan, uint64) {
	if c.current.Kind == models.ScopeNone {
		c.current = models.OrganizationScope(c.orgID)
	}
	c.generation++
	plan := PlanLoadOrganization
	if c.current.IsRoutes() {
		plan = PlanLoadRoutes
	}
	return c.current, plan, c.generation
}

// Commit records a finished load. It reports false when the load belongs
// to a superseded generation.
func (c *ScopeController) Commit(gen uint64, loaded models.Scope) bool {
	if gen != c.generation {
		return false
	}
	c.loaded = loaded
	return true
}

// Admit says whether a live event may touch the store under the current
// scope.
func (c *ScopeController) Admit(ev live.Event) bool {
	switch ev.Kind {
	case live.EventOrganizationDriverUpdate:
		if ev.Position == nil || !c.current.IsOrganization() {
			return false
		}
		return ev.Position.OrganizationID == "" || ev.Position.OrganizationID == c.orgID
	case live.EventRouteDriverUpdate:
		return ev.Position != nil && c.current.Contains(ev.RouteID())
	case live.EventDriverTransmission:
		// Existence in the store is checked when merging
		return ev.Transmission != nil && c.current.Kind != models.ScopeNone
	}
	return false
}
