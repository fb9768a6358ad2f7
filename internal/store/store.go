// Package store persists accounts and the claim log in sqlite.
package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/epickiosk/kiosk/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSecretInvalid = errors.New("secret does not match")
)

const claimTimeLayout = "2006-01-02 15:04"

type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			email TEXT PRIMARY KEY,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL,
			game_title TEXT NOT NULL,
			image_url TEXT,
			claim_time TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS logs_email_title ON logs (email, game_title)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}
	return &DB{db: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertAccount stores the account, replacing the secret of an existing one.
func (d *DB) UpsertAccount(ctx context.Context, acc model.Account) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO accounts (email, password) VALUES (?, ?)
		 ON CONFLICT(email) DO UPDATE SET password = excluded.password`,
		acc.Identity, acc.Secret,
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

// Account returns ErrNotFound when identity is not stored.
func (d *DB) Account(ctx context.Context, identity string) (model.Account, error) {
	acc := model.Account{Identity: identity}
	err := d.db.QueryRowContext(ctx,
		`SELECT password FROM accounts WHERE email = ?`, identity,
	).Scan(&acc.Secret)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Account{}, ErrNotFound
	case err != nil:
		return model.Account{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return acc, nil
}

// CheckSecret returns nil when the stored secret matches, ErrSecretInvalid
// on mismatch and ErrNotFound for an unknown identity.
func (d *DB) CheckSecret(ctx context.Context, identity, secret string) error {
	acc, err := d.Account(ctx, identity)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(acc.Secret), []byte(secret)) != 1 {
		return ErrSecretInvalid
	}
	return nil
}

// DeleteAccount removes the account row and reports whether there was one.
func (d *DB) DeleteAccount(ctx context.Context, identity string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, identity)
	if err != nil {
		return false, fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAccounts returns every stored account ordered by identity.
func (d *DB) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT email, password FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var accounts []model.Account
	for rows.Next() {
		var acc model.Account
		if err := rows.Scan(&acc.Identity, &acc.Secret); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// RecordClaim appends claim to the log unless the (identity, title) pair is
// already there. It reports whether a row was written.
func (d *DB) RecordClaim(ctx context.Context, claim model.Claim) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("identity", claim.Identity))
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM logs WHERE email = ? AND game_title = ?`, claim.Identity, claim.Title,
	).Scan(&id)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}

	at := claim.ClaimedAt
	if at.IsZero() {
		at = d.now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO logs (email, game_title, image_url, claim_time) VALUES (?, ?, ?, ?)`,
		claim.Identity, claim.Title, claim.Image, at.Format(claimTimeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction failed: %w", err)
	}
	return true, nil
}

// Claims returns the claim log of identity, newest first.
func (d *DB) Claims(ctx context.Context, identity string) ([]model.Claim, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT game_title, COALESCE(image_url, ''), claim_time FROM logs WHERE email = ? ORDER BY id DESC`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var claims []model.Claim
	for rows.Next() {
		claim := model.Claim{Identity: identity}
		var at string
		if err := rows.Scan(&claim.Title, &claim.Image, &at); err != nil {
			return nil, err
		}
		claim.ClaimedAt, err = time.ParseInLocation(claimTimeLayout, at, time.Local)
		if err != nil {
			slog.WarnContext(ctx, "unparsable claim time", "identity", identity, "value", at)
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}
