package repository

import "database/sql"

// queryer is satisfied by both *sql.DB and *sql.Tx so repository methods
// can run standalone or inside a transaction scope.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// runInTx begins a transaction on db, runs fn with it, and commits unless
// fn returns an error. The rollback error on a failed fn is intentionally
// dropped: the original error is the one the caller needs.
func runInTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertReturningID runs an insert and resolves the generated id either via
// RETURNING (postgres) or LastInsertId (mysql, sqlite).
func insertReturningID(q queryer, base string, vals []any, idDest *int64) (int64, error) {
	if supportsReturning() {
		if err := q.QueryRow(base+" RETURNING id", vals...).Scan(idDest); err != nil {
			return 0, err
		}
		return *idDest, nil
	}
	res, err := q.Exec(base, vals...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	*idDest = id
	return id, nil
}
