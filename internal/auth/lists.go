package auth

import (
	"context"
	"database/sql"
	"errors"
)

const listQuery = `SELECT id, account_id FROM lists WHERE id = $1 LIMIT 1`

// AuthorizeList reports whether the account owns the given list. Lookup
// errors fail closed.
func (r *Resolver) AuthorizeList(ctx context.Context, listID int64, accountID int64) (bool, error) {
	var id, owner int64

	err := r.db.QueryRowContext(ctx, listQuery, listID).Scan(&id, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.log.WithError(err).Error("List lookup failed")
		return false, err
	}

	return owner == accountID, nil
}
