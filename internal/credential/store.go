package credential

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	charmLog "github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

// The single well-known key the credential lives under. No other
// client-local state is persisted.
const credentialKey = "token"

// Store persists at most one credential in a local sqlite database. It
// never initiates network calls; validity checks are pure.
type Store struct {
	db     *sql.DB
	logger *charmLog.Logger
}

// OpenStore opens (and migrates) the client state database.
func OpenStore(path string, logger *charmLog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("state db path is required")
	}
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{Prefix: "credential"})
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS credentials(
		key TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted credential. It returns false when nothing is
// stored or the stored token is malformed; a malformed record is dropped
// rather than surfaced.
func (s *Store) Load() (Credential, bool) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM credentials WHERE key = ?`, credentialKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false
	}
	if err != nil {
		s.logger.Warn("credential load failed", "error", err)
		return Credential{}, false
	}

	expiresAt, err := DecodeExpiry(token)
	if err != nil {
		s.logger.Warn("stored credential is malformed, clearing", "error", err)
		_ = s.Clear()
		return Credential{}, false
	}
	return Credential{Token: token, ExpiresAt: expiresAt}, true
}

// Save persists the credential, replacing any previous one.
func (s *Store) Save(cred Credential) error {
	if cred.Token == "" {
		return errors.New("token is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`
		INSERT INTO credentials(key, token, saved_at)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET token = excluded.token, saved_at = excluded.saved_at
	`, credentialKey, cred.Token, now); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Clear removes the persisted credential. Clearing an empty store is a
// no-op.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE key = ?`, credentialKey); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
