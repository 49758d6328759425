// Package ownership resolves the per-resource facts used to elevate a denied
// access decision for non-admin roles.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"arka.dev/console/internal/obs"
)

// Type is the kind of resource a route acts on.
type Type string

const (
	TypeSquad       Type = "squad"
	TypeProject     Type = "project"
	TypeInstruction Type = "instruction"
)

// ParseType validates a resource type name.
func ParseType(s string) (Type, bool) {
	switch t := Type(strings.TrimSpace(strings.ToLower(s))); t {
	case TypeSquad, TypeProject, TypeInstruction:
		return t, true
	}
	return "", false
}

// Resource identifies the target of a request.
type Resource struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func (r Resource) String() string { return string(r.Type) + ":" + r.ID }

// ErrNotFound is returned by a Source when the resource does not exist.
var ErrNotFound = errors.New("ownership: resource not found")

// Facts are computed per request and never cached.
//
// For a squad, ProjectAssignments holds the projects it is attached to. For a
// project, SquadAssignments holds the attached squads. For an instruction both
// hold the single project and squad it belongs to and ProjectOwner is the
// creator of that project. SquadMember and ProjectMember describe the caller:
// an active membership of the relevant squad, an active assignment to the
// relevant project.
type Facts struct {
	CreatedBy          string
	ProjectOwner       string
	ProjectAssignments []string
	SquadAssignments   []string
	SquadMember        bool
	ProjectMember      bool
}

// Empty reports whether no fact was resolved.
func (f Facts) Empty() bool {
	return f.CreatedBy == "" && f.ProjectOwner == "" &&
		len(f.ProjectAssignments) == 0 && len(f.SquadAssignments) == 0 &&
		!f.SquadMember && !f.ProjectMember
}

// CreatedByPrincipal reports whether principalID created the resource or, for
// instructions, the project it belongs to.
func (f Facts) CreatedByPrincipal(principalID string) bool {
	if principalID == "" {
		return false
	}
	return f.CreatedBy == principalID || f.ProjectOwner == principalID
}

// AttachedToProject reports whether projectID is among the assignments.
func (f Facts) AttachedToProject(projectID string) bool {
	return slices.Contains(f.ProjectAssignments, projectID)
}

// Source answers one read-only query per call.
type Source interface {
	Lookup(ctx context.Context, res Resource, principalID string) (Facts, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, res Resource, principalID string) (Facts, error)

func (f SourceFunc) Lookup(ctx context.Context, res Resource, principalID string) (Facts, error) {
	return f(ctx, res, principalID)
}

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 2 * time.Second

// Resolver wraps a Source and fails closed: every error yields empty Facts.
type Resolver struct {
	source  Source
	timeout time.Duration
}

// NewResolver builds a Resolver. A non-positive timeout uses DefaultTimeout.
func NewResolver(source Source, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{source: source, timeout: timeout}
}

// Resolve returns the facts for res as seen by principalID. Lookup errors,
// unknown types and timeouts are logged at warn level and produce empty
// Facts, so that the caller denies.
func (r *Resolver) Resolve(ctx context.Context, res Resource, principalID string) Facts {
	if r == nil || r.source == nil {
		return Facts{}
	}
	if _, ok := ParseType(string(res.Type)); !ok || strings.TrimSpace(res.ID) == "" {
		r.fail(res, fmt.Errorf("invalid resource %q", res.String()))
		return Facts{}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	facts, err := r.source.Lookup(lookupCtx, res, principalID)
	if err != nil {
		r.fail(res, err)
		return Facts{}
	}
	return facts
}

func (r *Resolver) fail(res Resource, err error) {
	obs.OwnershipLookupFailed(string(res.Type))
	obs.Log(obs.LevelWarn, "ownership_lookup_failed", map[string]any{
		"resource_type": string(res.Type),
		"resource_id":   res.ID,
		"not_found":     errors.Is(err, ErrNotFound),
		"error":         err,
	})
}
