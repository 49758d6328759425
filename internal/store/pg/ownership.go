package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"arka.dev/console/internal/ownership"
)

var _ ownership.Source = (*Store)(nil)

// Lookup answers one ownership query per call, picked by resource type.
func (s *Store) Lookup(ctx context.Context, res ownership.Resource, principalID string) (ownership.Facts, error) {
	if s.db == nil {
		return ownership.Facts{}, errNoDB
	}
	var (
		facts ownership.Facts
		err   error
	)
	switch res.Type {
	case ownership.TypeSquad:
		facts, err = s.squadFacts(ctx, res.ID, principalID)
	case ownership.TypeProject:
		facts, err = s.projectFacts(ctx, res.ID, principalID)
	case ownership.TypeInstruction:
		facts, err = s.instructionFacts(ctx, res.ID, principalID)
	default:
		return ownership.Facts{}, fmt.Errorf("unsupported resource type %q", res.Type)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ownership.Facts{}, ownership.ErrNotFound
	}
	return facts, err
}

func (s *Store) squadFacts(ctx context.Context, squadID, principalID string) (ownership.Facts, error) {
	var (
		createdBy sql.NullString
		projects  string
		facts     ownership.Facts
	)
	err := s.db.QueryRowContext(ctx, `
		select s.created_by,
		       coalesce(string_agg(distinct ps.project_id, ','), ''),
		       exists(
		           select 1 from squad_members sm
		           where sm.squad_id = s.id and sm.user_id = $2 and sm.status = 'active'
		       )
		from squads s
		left join project_squads ps on ps.squad_id = s.id and ps.status = 'active'
		where s.id = $1 and s.deleted_at is null
		group by s.id, s.created_by
	`, squadID, principalID).Scan(&createdBy, &projects, &facts.SquadMember)
	if err != nil {
		return ownership.Facts{}, err
	}
	facts.CreatedBy = createdBy.String
	facts.ProjectAssignments = splitIDs(projects)
	return facts, nil
}

func (s *Store) projectFacts(ctx context.Context, projectID, principalID string) (ownership.Facts, error) {
	var (
		createdBy sql.NullString
		squads    string
		facts     ownership.Facts
	)
	err := s.db.QueryRowContext(ctx, `
		select p.created_by,
		       coalesce(string_agg(distinct ps.squad_id, ','), ''),
		       exists(
		           select 1 from project_assignments pa
		           where pa.project_id = p.id and pa.user_id = $2 and pa.status = 'active'
		       )
		from projects p
		left join project_squads ps on ps.project_id = p.id and ps.status = 'active'
		where p.id = $1 and p.deleted_at is null
		group by p.id, p.created_by
	`, projectID, principalID).Scan(&createdBy, &squads, &facts.ProjectMember)
	if err != nil {
		return ownership.Facts{}, err
	}
	facts.CreatedBy = createdBy.String
	facts.SquadAssignments = splitIDs(squads)
	return facts, nil
}

func (s *Store) instructionFacts(ctx context.Context, instructionID, principalID string) (ownership.Facts, error) {
	var (
		createdBy, projectID, squadID, projectOwner sql.NullString
		facts                                       ownership.Facts
	)
	err := s.db.QueryRowContext(ctx, `
		select si.created_by, si.project_id, si.squad_id, p.created_by,
		       exists(
		           select 1 from squad_members sm
		           where sm.squad_id = si.squad_id and sm.user_id = $2 and sm.status = 'active'
		       ),
		       exists(
		           select 1 from project_assignments pa
		           where pa.project_id = si.project_id and pa.user_id = $2 and pa.status = 'active'
		       )
		from squad_instructions si
		left join projects p on p.id = si.project_id
		where si.id = $1
	`, instructionID, principalID).Scan(&createdBy, &projectID, &squadID, &projectOwner, &facts.SquadMember, &facts.ProjectMember)
	if err != nil {
		return ownership.Facts{}, err
	}
	facts.CreatedBy = createdBy.String
	facts.ProjectOwner = projectOwner.String
	if projectID.Valid {
		facts.ProjectAssignments = []string{projectID.String}
	}
	if squadID.Valid {
		facts.SquadAssignments = []string{squadID.String}
	}
	return facts, nil
}
