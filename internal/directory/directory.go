// Package directory is a local user directory backed by SQLite. It verifies
// credentials, tracks password expiry and stores per-user preferences.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/validation"
)

// ErrUserNotFound is returned for unknown usernames.
var ErrUserNotFound = errors.New("user not found")

// User is one directory entry.
type User struct {
	Username        string
	DN              string
	Groups          []string
	PasswordExpires time.Time // zero means never
	Disabled        bool
	Preferences     map[string]string
}

// Store is the SQLite user directory. It implements auth.Verifier.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	policy PasswordPolicy
	// BaseDN is appended to uid=<username> for new entries.
	BaseDN string
}

var _ auth.Verifier = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username         TEXT PRIMARY KEY,
	dn               TEXT NOT NULL,
	password_hash    TEXT NOT NULL,
	password_expires INTEGER NOT NULL DEFAULT 0,
	disabled         INTEGER NOT NULL DEFAULT 0,
	groups_json      TEXT NOT NULL DEFAULT '[]',
	preferences_json TEXT NOT NULL DEFAULT '{}'
);`

// Open opens (creating if needed) the directory database at path.
// Use ":memory:" for an ephemeral directory.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory database dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{
		db:     db,
		clock:  clk,
		policy: DefaultPasswordPolicy(),
		BaseDN: "cn=users",
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetPolicy replaces the password policy for expired password changes.
func (s *Store) SetPolicy(p PasswordPolicy) {
	s.policy = p
}

// AddUser creates a user with a bcrypt hashed password.
func (s *Store) AddUser(ctx context.Context, username, password string, groups []string) error {
	if err := validation.ValidateUsername(username); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	groupsJSON, _ := json.Marshal(groups)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, dn, password_hash, groups_json) VALUES (?, ?, ?, ?)`,
		username, "uid="+username+","+s.BaseDN, string(hash), string(groupsJSON))
	if err != nil {
		return fmt.Errorf("failed to add user %s: %w", username, err)
	}
	return nil
}

// SetPassword replaces a password and clears its expiry.
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.update(ctx, username, `UPDATE users SET password_hash = ?, password_expires = 0 WHERE username = ?`, string(hash), username)
}

// ExpirePassword marks the password of username as expired at t.
func (s *Store) ExpirePassword(ctx context.Context, username string, t time.Time) error {
	return s.update(ctx, username, `UPDATE users SET password_expires = ? WHERE username = ?`, t.Unix(), username)
}

// SetDisabled enables or disables an account.
func (s *Store) SetDisabled(ctx context.Context, username string, disabled bool) error {
	return s.update(ctx, username, `UPDATE users SET disabled = ? WHERE username = ?`, disabled, username)
}

// GetUser loads one directory entry.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	u, _, err := s.load(ctx, username)
	return u, err
}

// Verify implements auth.Verifier.
func (s *Store) Verify(ctx context.Context, username, password string) error {
	u, hash, err := s.load(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		// Burn comparable time so unknown users are not distinguishable.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return auth.Failed("The authentication has failed")
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return auth.Failed("The authentication has failed")
	}
	if u.Disabled {
		return auth.Failed("The account is disabled")
	}
	if !u.PasswordExpires.IsZero() && !s.clock.Now().Before(u.PasswordExpires) {
		return auth.Expired("The password has expired and must be changed")
	}
	return nil
}

// ChangeExpiredPassword implements auth.Verifier.
func (s *Store) ChangeExpiredPassword(ctx context.Context, username, oldPassword, newPassword string) error {
	err := s.Verify(ctx, username, oldPassword)
	if err != nil && !errors.Is(err, auth.ErrPasswordExpired) {
		return auth.ChangeFailed("The old password is not correct")
	}
	if perr := s.policy.Check(username, oldPassword, newPassword); perr != nil {
		return auth.ChangeFailed(perr.Error())
	}
	if err := s.SetPassword(ctx, username, newPassword); err != nil {
		return auth.ChangeFailed("Changing the password failed")
	}
	return nil
}

// LookupIdentity implements auth.Verifier.
func (s *Store) LookupIdentity(ctx context.Context, username string) (*session.Identity, error) {
	u, _, err := s.load(ctx, username)
	if err != nil {
		return nil, err
	}
	return &session.Identity{DN: u.DN, Groups: u.Groups}, nil
}

// Preferences returns the stored preferences of username.
func (s *Store) Preferences(ctx context.Context, username string) (map[string]string, error) {
	u, _, err := s.load(ctx, username)
	if err != nil {
		return nil, err
	}
	return u.Preferences, nil
}

// MergePreferences merges prefs into the stored preferences of username.
func (s *Store) MergePreferences(ctx context.Context, username string, prefs map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT preferences_json FROM users WHERE username = ?`, username).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	current := map[string]string{}
	_ = json.Unmarshal([]byte(raw), &current)
	for k, v := range prefs {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET preferences_json = ? WHERE username = ?`, string(merged), username); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) load(ctx context.Context, username string) (*User, string, error) {
	var (
		u        User
		hash     string
		expires  int64
		groups   string
		prefs    string
		disabled bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, dn, password_hash, password_expires, disabled, groups_json, preferences_json
		 FROM users WHERE username = ?`, username).
		Scan(&u.Username, &u.DN, &hash, &expires, &disabled, &groups, &prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrUserNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load user %s: %w", username, err)
	}
	u.Disabled = disabled
	if expires > 0 {
		u.PasswordExpires = time.Unix(expires, 0)
	}
	_ = json.Unmarshal([]byte(groups), &u.Groups)
	u.Preferences = map[string]string{}
	_ = json.Unmarshal([]byte(prefs), &u.Preferences)
	return &u, hash, nil
}

func (s *Store) update(ctx context.Context, username, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// dummyHash is compared against for unknown users.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.MinCost)
