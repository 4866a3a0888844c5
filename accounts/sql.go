package accounts

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore is a [Store] on sqlite or postgres.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// Open connects to the database, applies migrations and returns a [SQLStore].
// For sqlite, dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping account db: %w", err)
	}

	dialect := "postgres"
	if driver == DriverSQLite {
		dialect = "sqlite3"
		// sqlite allows a single writer; WAL keeps readers unblocked.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		pragmas := []string{
			"PRAGMA journal_mode = WAL;",
			"PRAGMA synchronous = NORMAL;",
			"PRAGMA foreign_keys = ON;",
			"PRAGMA busy_timeout = 5000;",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set pragma: %w", err)
			}
		}
	}

	if err := migrate(db.DB, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

type accountRow struct {
	UID             string `db:"uid"`
	PrimaryEmail    string `db:"primary_email"`
	EmailVerified   bool   `db:"email_verified"`
	AuthSalt        []byte `db:"auth_salt"`
	VerifyHash      []byte `db:"verify_hash"`
	WrapWrapKb      []byte `db:"wrap_wrap_kb"`
	KA              []byte `db:"ka"`
	VerifierVersion int    `db:"verifier_version"`
	VerifierSetAt   int64  `db:"verifier_set_at"`
	CreatedAt       int64  `db:"created_at"`
	Locale          string `db:"locale"`
	TOTPSecret      string `db:"totp_secret"`
	TOTPEnabled     bool   `db:"totp_enabled"`
	TOTPLastCounter int64  `db:"totp_last_counter"`
}

func (r accountRow) account() *Account {
	return &Account{
		UID:             r.UID,
		PrimaryEmail:    r.PrimaryEmail,
		EmailVerified:   r.EmailVerified,
		AuthSalt:        r.AuthSalt,
		VerifyHash:      r.VerifyHash,
		WrapWrapKb:      r.WrapWrapKb,
		KA:              r.KA,
		VerifierVersion: r.VerifierVersion,
		VerifierSetAt:   time.UnixMilli(r.VerifierSetAt).UTC(),
		CreatedAt:       time.UnixMilli(r.CreatedAt).UTC(),
		Locale:          r.Locale,
		TOTPSecret:      r.TOTPSecret,
		TOTPEnabled:     r.TOTPEnabled,
		TOTPLastCounter: r.TOTPLastCounter,
	}
}

type emailRow struct {
	Email      string `db:"normalized_email"`
	UID        string `db:"uid"`
	IsPrimary  bool   `db:"is_primary"`
	IsVerified bool   `db:"is_verified"`
	CreatedAt  int64  `db:"created_at"`
}

type deviceRow struct {
	ID             string `db:"id"`
	UID            string `db:"uid"`
	SessionTokenID string `db:"session_token_id"`
	Name           string `db:"name"`
	Type           string `db:"type"`
	PushCallback   string `db:"push_callback"`
	PushPublicKey  string `db:"push_public_key"`
	CreatedAt      int64  `db:"created_at"`
}

const accountColumns = `a.uid, a.primary_email, a.email_verified, a.auth_salt, a.verify_hash,
	a.wrap_wrap_kb, a.ka, a.verifier_version, a.verifier_set_at, a.created_at, a.locale,
	a.totp_secret, a.totp_enabled, a.totp_last_counter`

func (s *SQLStore) CreateAccount(ctx context.Context, a *Account) error {
	norm := NormalizeEmail(a.PrimaryEmail)
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var taken int
	if err := tx.GetContext(ctx, &taken, tx.Rebind(`SELECT COUNT(1) FROM emails WHERE normalized_email = ?`), norm); err != nil {
		return err
	}
	if taken > 0 {
		return ErrEmailTaken
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO accounts
		(uid, primary_email, email_verified, auth_salt, verify_hash, wrap_wrap_kb, ka,
		 verifier_version, verifier_set_at, created_at, locale, totp_secret, totp_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.UID, norm, a.EmailVerified, a.AuthSalt, a.VerifyHash, a.WrapWrapKb, a.KA,
		a.VerifierVersion, a.VerifierSetAt.UnixMilli(), created.UnixMilli(), a.Locale, a.TOTPSecret, a.TOTPEnabled)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO emails (normalized_email, uid, is_primary, is_verified, created_at)
		VALUES (?, ?, ?, ?, ?)`), norm, a.UID, true, a.EmailVerified, created.UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) AccountRecord(ctx context.Context, email string) (*Account, error) {
	var row accountRow
	q := s.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts a
		JOIN emails e ON e.uid = a.uid WHERE e.normalized_email = ?`)
	if err := s.db.GetContext(ctx, &row, q, NormalizeEmail(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}
	return row.account(), nil
}

func (s *SQLStore) Account(ctx context.Context, uid string) (*Account, error) {
	var row accountRow
	q := s.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts a WHERE a.uid = ?`)
	if err := s.db.GetContext(ctx, &row, q, uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}
	return row.account(), nil
}

func (s *SQLStore) Emails(ctx context.Context, uid string) ([]Email, error) {
	if _, err := s.Account(ctx, uid); err != nil {
		return nil, err
	}
	var rows []emailRow
	q := s.db.Rebind(`SELECT normalized_email, uid, is_primary, is_verified, created_at
		FROM emails WHERE uid = ? ORDER BY is_primary DESC, normalized_email ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, uid); err != nil {
		return nil, err
	}
	out := make([]Email, 0, len(rows))
	for _, r := range rows {
		out = append(out, Email{
			Email:      r.Email,
			UID:        r.UID,
			IsPrimary:  r.IsPrimary,
			IsVerified: r.IsVerified,
			CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) AddEmail(ctx context.Context, uid, email string) error {
	norm := NormalizeEmail(email)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owners int
	if err := tx.GetContext(ctx, &owners, tx.Rebind(`SELECT COUNT(1) FROM accounts WHERE uid = ?`), uid); err != nil {
		return err
	}
	if owners == 0 {
		return ErrUnknownAccount
	}
	var taken int
	if err := tx.GetContext(ctx, &taken, tx.Rebind(`SELECT COUNT(1) FROM emails WHERE normalized_email = ?`), norm); err != nil {
		return err
	}
	if taken > 0 {
		return ErrEmailTaken
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO emails (normalized_email, uid, is_primary, is_verified, created_at)
		VALUES (?, ?, ?, ?, ?)`), norm, uid, false, false, time.Now().UTC().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ResetAccount(ctx context.Context, uid string, data ResetData) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE accounts
		SET auth_salt = ?, verify_hash = ?, wrap_wrap_kb = ?, verifier_version = ?, verifier_set_at = ?
		WHERE uid = ?`),
		data.AuthSalt, data.VerifyHash, data.WrapWrapKb, data.VerifierVersion, data.VerifierSetAt.UnixMilli(), uid)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownAccount
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM devices WHERE uid = ?`), uid); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) SetTOTP(ctx context.Context, uid, secret string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts
		SET totp_last_counter = CASE WHEN totp_secret = ? THEN totp_last_counter ELSE 0 END,
			totp_secret = ?, totp_enabled = ?
		WHERE uid = ?`),
		secret, secret, enabled, uid)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownAccount
	}
	return nil
}

func (s *SQLStore) UpdateTOTPLastUsedCounter(ctx context.Context, uid string, counter int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET totp_last_counter = ?
		WHERE uid = ? AND totp_last_counter < ?`), counter, uid, counter)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Account(ctx, uid); err != nil {
		return err
	}
	return ErrTOTPCounterUsed
}

func (s *SQLStore) Devices(ctx context.Context, uid string) ([]Device, error) {
	var rows []deviceRow
	q := s.db.Rebind(`SELECT id, uid, session_token_id, name, type, push_callback, push_public_key, created_at
		FROM devices WHERE uid = ? ORDER BY id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, uid); err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, Device{
			ID:             r.ID,
			UID:            r.UID,
			SessionTokenID: r.SessionTokenID,
			Name:           r.Name,
			Type:           r.Type,
			PushCallback:   r.PushCallback,
			PushPublicKey:  r.PushPublicKey,
			CreatedAt:      time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) UpsertDevice(ctx context.Context, d Device) error {
	if _, err := s.Account(ctx, d.UID); err != nil {
		return err
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO devices
		(id, uid, session_token_id, name, type, push_callback, push_public_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			session_token_id = excluded.session_token_id,
			name = excluded.name,
			type = excluded.type,
			push_callback = excluded.push_callback,
			push_public_key = excluded.push_public_key`),
		d.ID, d.UID, d.SessionTokenID, d.Name, d.Type, d.PushCallback, d.PushPublicKey, created.UnixMilli())
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
