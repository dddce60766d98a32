package pgbooking

import (
	"context"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/pkg/errors"
)

var refQueries = map[models.RefKind]string{
	models.RefDriver:    `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'driver')`,
	models.RefAssistant: `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'assistant')`,
	models.RefSecretary: `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role IN ('secretary', 'admin'))`,
	models.RefBus:       `SELECT EXISTS (SELECT 1 FROM buses WHERE id = $1)`,
	models.RefRoute:     `SELECT EXISTS (SELECT 1 FROM routes WHERE id = $1)`,
	models.RefClient:    `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`,
}

func (t *Tx) RefExists(ctx context.Context, kind models.RefKind, id int64) (bool, error) {
	q, ok := refQueries[kind]
	if !ok {
		return false, domain.ValidationError{Field: "ref_kind", Msg: "unknown reference kind " + string(kind)}
	}
	var exists bool
	if err := t.q.QueryRow(ctx, q, id).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "select ref exists")
	}
	return exists, nil
}

func (t *Tx) UserRole(ctx context.Context, userID int64) (models.Role, error) {
	var role models.Role
	if err := t.q.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role); err != nil {
		return "", notFound(err, "select user role")
	}
	return role, nil
}
