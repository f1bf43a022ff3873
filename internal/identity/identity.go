// Package identity maps channel-native sender IDs to stable internal users.
// A user created on first contact keeps its ID for the life of the
// deployment; links from other providers can be attached later so the same
// person resolves to one user across channels.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/automagik/omni/internal/db"
)

// ErrUserNotFound indicates no user exists with the requested ID.
var ErrUserNotFound = errors.New("user not found")

// User is a platform-neutral identity.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExternalID links a (provider, external_id) pair to a user.
type ExternalID struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Provider   string         `json:"provider"`
	ExternalID string         `json:"external_id"`
	Extra      map[string]any `json:"extra,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists users and their external ID links.
type Store struct {
	conn   *db.Conn
	logger *slog.Logger
}

// NewStore creates a Store backed by the given database connection.
func NewStore(log *slog.Logger, conn *db.Conn) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{conn: conn, logger: log.With(slog.String("component", "identity"))}
}

// Resolve returns the user linked to (provider, externalID), creating the
// user and the link on first contact. Concurrent first contacts are safe:
// the unique constraint on (provider, external_id) guarantees a single link,
// and the loser of the race re-reads the winner's row.
func (s *Store) Resolve(ctx context.Context, provider, externalID, displayHint string) (User, error) {
	provider = strings.TrimSpace(provider)
	externalID = strings.TrimSpace(externalID)
	if provider == "" || externalID == "" {
		return User{}, fmt.Errorf("provider and external id are required")
	}

	if user, err := s.lookup(ctx, provider, externalID); err == nil {
		return user, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	user, err := s.createWithLink(ctx, provider, externalID, displayHint, nil)
	if err == nil {
		return user, nil
	}
	// Insert failed: most likely the unique constraint fired because a
	// concurrent first contact won. Re-read before giving up.
	if existing, lookupErr := s.lookup(ctx, provider, externalID); lookupErr == nil {
		return existing, nil
	}
	return User{}, err
}

// Link attaches an external ID to an existing user (administrator pre-link
// for cross-channel identity).
func (s *Store) Link(ctx context.Context, userID, provider, externalID string, extra map[string]any) (ExternalID, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ExternalID{}, fmt.Errorf("user id is required")
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return ExternalID{}, err
	}
	link := ExternalID{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   strings.TrimSpace(provider),
		ExternalID: strings.TrimSpace(externalID),
		Extra:      extra,
		CreatedAt:  time.Now().UTC(),
	}
	extraJSON, err := json.Marshal(orEmpty(link.Extra))
	if err != nil {
		return ExternalID{}, err
	}
	_, err = s.conn.DB.ExecContext(ctx,
		`INSERT INTO user_external_ids (id, user_id, provider, external_id, extra, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.ID, link.UserID, link.Provider, link.ExternalID, string(extraJSON), link.CreatedAt,
	)
	if err != nil {
		return ExternalID{}, fmt.Errorf("insert external id: %w", err)
	}
	return link, nil
}

// GetUser returns a user by internal ID.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = $1`, strings.TrimSpace(id),
	).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Store) lookup(ctx context.Context, provider, externalID string) (User, error) {
	var user User
	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT u.id, u.display_name, u.created_at
		 FROM user_external_ids x
		 JOIN users u ON u.id = x.user_id
		 WHERE x.provider = $1 AND x.external_id = $2`,
		provider, externalID,
	).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	return user, err
}

func (s *Store) createWithLink(ctx context.Context, provider, externalID, displayHint string, extra map[string]any) (User, error) {
	now := time.Now().UTC()
	user := User{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(displayHint),
		CreatedAt:   now,
	}
	extraJSON, err := json.Marshal(orEmpty(extra))
	if err != nil {
		return User{}, err
	}
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, $3)`,
		user.ID, user.DisplayName, user.CreatedAt,
	); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_external_ids (id, user_id, provider, external_id, extra, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), user.ID, provider, externalID, string(extraJSON), now,
	); err != nil {
		return User{}, fmt.Errorf("insert external id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	if s.logger != nil {
		s.logger.Info("user created", slog.String("user_id", user.ID), slog.String("provider", provider))
	}
	return user, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
