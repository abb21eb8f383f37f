package pg

import (
	"context"
	"database/sql"
	"time"

	"paddock.org/internal/auth"
	"paddock.org/internal/riders"
	"paddock.org/internal/softdelete"
)

type riderStore struct{ q queryer }

func (s *riderStore) Create(ctx context.Context, r *riders.Rider) error {
	_, err := s.q.ExecContext(ctx, `
		insert into riders (id, organization_id, first_name, last_name, created_at)
		values ($1, $2, $3, $4, $5)
	`, r.ID, r.OrganizationID, r.FirstName, r.LastName, r.CreatedAt.UTC())
	return mapErr(err)
}

const riderSelect = `select id, organization_id, first_name, last_name, created_at, deleted_at from riders`

func scanRider(scan func(dest ...any) error) (*riders.Rider, error) {
	var (
		r       riders.Rider
		deleted sql.NullTime
	)
	if err := scan(&r.ID, &r.OrganizationID, &r.FirstName, &r.LastName, &r.CreatedAt, &deleted); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.DeletedAt = timePtr(deleted)
	return &r, nil
}

func (s *riderStore) Find(ctx context.Context, orgID, id string, opts ...softdelete.Option) (*riders.Rider, error) {
	where := softdelete.Resolve(opts...).And("organization_id = $1 and id = $2", softdelete.DefaultColumn)
	r, err := scanRider(s.q.QueryRowContext(ctx, riderSelect+" where "+where, orgID, id).Scan)
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *riderStore) List(ctx context.Context, orgID string, opts ...softdelete.Option) ([]*riders.Rider, error) {
	where := softdelete.Resolve(opts...).And("organization_id = $1", softdelete.DefaultColumn)
	rows, err := s.q.QueryContext(ctx, riderSelect+" where "+where+" order by id", orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []*riders.Rider{}
	for rows.Next() {
		r, err := scanRider(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *riderStore) SoftDelete(ctx context.Context, orgID, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update riders set deleted_at = $3
		where organization_id = $1 and id = $2 and deleted_at is null
	`, orgID, id, at.UTC())
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}

func (s *riderStore) Restore(ctx context.Context, orgID, id string) error {
	res, err := s.q.ExecContext(ctx, `
		update riders set deleted_at = null
		where organization_id = $1 and id = $2
	`, orgID, id)
	if err != nil {
		return err
	}
	return affected(res, auth.ErrNotFound)
}
