package channel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/automagik/omni/internal/db"
)

// ErrInstanceNotFound indicates no instance exists with the requested name.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrInstanceExists indicates the instance name is already taken.
var ErrInstanceExists = errors.New("instance already exists")

// ErrLastInstance indicates a delete was refused because it would remove
// the sole remaining instance.
var ErrLastInstance = errors.New("cannot delete the last instance")

// Store provides CRUD operations for instance configurations.
type Store struct {
	conn *db.Conn
}

// NewStore creates a Store backed by the given database connection.
func NewStore(conn *db.Conn) *Store {
	return &Store{conn: conn}
}

const instanceColumns = `name, channel_type, credentials, agent_api_url, agent_api_key,
	agent_id, agent_timeout_ms, agent_stream_mode, is_default, is_active,
	enable_auto_split, session_id_prefix, error_fallback_text, created_at, updated_at`

// Create inserts a new instance configuration.
func (s *Store) Create(ctx context.Context, req CreateInstanceRequest) (InstanceConfig, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return InstanceConfig{}, fmt.Errorf("instance name is required")
	}
	cfg := InstanceConfig{
		Name:              name,
		ChannelType:       normalizeChannelType(req.ChannelType),
		Credentials:       req.Credentials,
		AgentAPIURL:       strings.TrimSpace(req.AgentAPIURL),
		AgentAPIKey:       strings.TrimSpace(req.AgentAPIKey),
		AgentID:           strings.TrimSpace(req.AgentID),
		AgentTimeoutMs:    req.AgentTimeoutMs,
		AgentStreamMode:   req.AgentStreamMode,
		IsDefault:         req.IsDefault,
		IsActive:          true,
		EnableAutoSplit:   true,
		SessionIDPrefix:   strings.TrimSpace(req.SessionIDPrefix),
		ErrorFallbackText: strings.TrimSpace(req.ErrorFallbackText),
	}
	if req.EnableAutoSplit != nil {
		cfg.EnableAutoSplit = *req.EnableAutoSplit
	}
	if cfg.AgentTimeoutMs <= 0 {
		cfg.AgentTimeoutMs = 60000
	}
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]any{}
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	credentials, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return InstanceConfig{}, fmt.Errorf("encode credentials: %w", err)
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return InstanceConfig{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instance_configs WHERE name = $1`, name).Scan(&exists); err != nil {
		return InstanceConfig{}, err
	}
	if exists > 0 {
		return InstanceConfig{}, ErrInstanceExists
	}
	if cfg.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE instance_configs SET is_default = FALSE, updated_at = $1 WHERE is_default = TRUE`, now); err != nil {
			return InstanceConfig{}, err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO instance_configs (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cfg.Name, cfg.ChannelType.String(), string(credentials), cfg.AgentAPIURL, cfg.AgentAPIKey,
		cfg.AgentID, cfg.AgentTimeoutMs, cfg.AgentStreamMode, cfg.IsDefault, cfg.IsActive,
		cfg.EnableAutoSplit, cfg.SessionIDPrefix, cfg.ErrorFallbackText, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return InstanceConfig{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return InstanceConfig{}, err
	}
	return cfg, nil
}

// Get returns the instance configuration for the given name.
func (s *Store) Get(ctx context.Context, name string) (InstanceConfig, error) {
	row := s.conn.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instance_configs WHERE name = $1`, strings.TrimSpace(name))
	return scanInstance(row)
}

// GetDefault returns the instance flagged as default, if any.
func (s *Store) GetDefault(ctx context.Context) (InstanceConfig, error) {
	row := s.conn.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instance_configs WHERE is_default = TRUE LIMIT 1`)
	return scanInstance(row)
}

// List returns all instance configurations ordered by name.
func (s *Store) List(ctx context.Context) ([]InstanceConfig, error) {
	rows, err := s.conn.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instance_configs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]InstanceConfig, 0)
	for rows.Next() {
		cfg, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cfg)
	}
	return items, rows.Err()
}

// ListByType returns active instances of the given channel type.
func (s *Store) ListByType(ctx context.Context, channelType ChannelType) ([]InstanceConfig, error) {
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instance_configs WHERE channel_type = $1 ORDER BY name`,
		channelType.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]InstanceConfig, 0)
	for rows.Next() {
		cfg, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cfg)
	}
	return items, rows.Err()
}

// Update applies a partial update and returns the new configuration.
// Credential changes bump updated_at, which the manager uses to decide
// whether a restart is required.
func (s *Store) Update(ctx context.Context, name string, req UpdateInstanceRequest) (InstanceConfig, error) {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return InstanceConfig{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instance_configs WHERE name = $1`, strings.TrimSpace(name))
	cfg, err := scanInstance(row)
	if err != nil {
		return InstanceConfig{}, err
	}

	if req.Credentials != nil {
		cfg.Credentials = req.Credentials
	}
	if req.AgentAPIURL != nil {
		cfg.AgentAPIURL = strings.TrimSpace(*req.AgentAPIURL)
	}
	if req.AgentAPIKey != nil {
		cfg.AgentAPIKey = strings.TrimSpace(*req.AgentAPIKey)
	}
	if req.AgentID != nil {
		cfg.AgentID = strings.TrimSpace(*req.AgentID)
	}
	if req.AgentTimeoutMs != nil && *req.AgentTimeoutMs > 0 {
		cfg.AgentTimeoutMs = *req.AgentTimeoutMs
	}
	if req.AgentStreamMode != nil {
		cfg.AgentStreamMode = *req.AgentStreamMode
	}
	if req.IsActive != nil {
		cfg.IsActive = *req.IsActive
	}
	if req.EnableAutoSplit != nil {
		cfg.EnableAutoSplit = *req.EnableAutoSplit
	}
	if req.SessionIDPrefix != nil {
		cfg.SessionIDPrefix = strings.TrimSpace(*req.SessionIDPrefix)
	}
	if req.ErrorFallbackText != nil {
		cfg.ErrorFallbackText = strings.TrimSpace(*req.ErrorFallbackText)
	}
	if req.IsDefault != nil {
		cfg.IsDefault = *req.IsDefault
		if cfg.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE instance_configs SET is_default = FALSE WHERE name <> $1 AND is_default = TRUE`, cfg.Name); err != nil {
				return InstanceConfig{}, err
			}
		}
	}
	cfg.UpdatedAt = time.Now().UTC()

	credentials, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return InstanceConfig{}, fmt.Errorf("encode credentials: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE instance_configs SET
		credentials = $2, agent_api_url = $3, agent_api_key = $4, agent_id = $5,
		agent_timeout_ms = $6, agent_stream_mode = $7, is_default = $8, is_active = $9,
		enable_auto_split = $10, session_id_prefix = $11, error_fallback_text = $12, updated_at = $13
		WHERE name = $1`,
		cfg.Name, string(credentials), cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentID,
		cfg.AgentTimeoutMs, cfg.AgentStreamMode, cfg.IsDefault, cfg.IsActive,
		cfg.EnableAutoSplit, cfg.SessionIDPrefix, cfg.ErrorFallbackText, cfg.UpdatedAt,
	)
	if err != nil {
		return InstanceConfig{}, fmt.Errorf("update instance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return InstanceConfig{}, err
	}
	return cfg, nil
}

// Delete removes an instance. Deleting the sole remaining instance is refused.
func (s *Store) Delete(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instance_configs`).Scan(&total); err != nil {
		return err
	}
	if total <= 1 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instance_configs WHERE name = $1`, name).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrInstanceNotFound
		}
		return ErrLastInstance
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM instance_configs WHERE name = $1`, name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (InstanceConfig, error) {
	var (
		cfg         InstanceConfig
		channelType string
		credentials string
	)
	err := row.Scan(
		&cfg.Name, &channelType, &credentials, &cfg.AgentAPIURL, &cfg.AgentAPIKey,
		&cfg.AgentID, &cfg.AgentTimeoutMs, &cfg.AgentStreamMode, &cfg.IsDefault, &cfg.IsActive,
		&cfg.EnableAutoSplit, &cfg.SessionIDPrefix, &cfg.ErrorFallbackText, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InstanceConfig{}, ErrInstanceNotFound
		}
		return InstanceConfig{}, err
	}
	cfg.ChannelType = ChannelType(channelType)
	cfg.Credentials = map[string]any{}
	if strings.TrimSpace(credentials) != "" {
		if err := json.Unmarshal([]byte(credentials), &cfg.Credentials); err != nil {
			return InstanceConfig{}, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return cfg, nil
}
