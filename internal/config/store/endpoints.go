package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Endpoint describes a supervised listening port and the hints applied
// when it is opened.
type Endpoint struct {
	Port            int
	Backlog         int
	ReceiveBuffer   int
	AcceptTimeoutMS int
	PolicyScript    string
	Enabled         bool
	CreatedAt       string
	UpdatedAt       string
}

// AcceptTimeout returns the configured accept timeout as a duration.
// Zero means wait indefinitely.
func (e Endpoint) AcceptTimeout() time.Duration {
	return time.Duration(e.AcceptTimeoutMS) * time.Millisecond
}

// UpsertEndpoint inserts or updates an endpoint profile keyed by port.
func (s *Store) UpsertEndpoint(ctx context.Context, ep Endpoint) error {
	if s.readOnly {
		return fmt.Errorf("config: upsert endpoint: store opened read-only")
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		return fmt.Errorf("config: upsert endpoint: port %d out of range", ep.Port)
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO endpoints (port, backlog, receive_buffer, accept_timeout_ms, policy_script, enabled, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, `+sqliteNow+`)
        ON CONFLICT(port) DO UPDATE SET
            backlog = excluded.backlog,
            receive_buffer = excluded.receive_buffer,
            accept_timeout_ms = excluded.accept_timeout_ms,
            policy_script = excluded.policy_script,
            enabled = excluded.enabled,
            updated_at = `+sqliteNow+`
    `, ep.Port, ep.Backlog, ep.ReceiveBuffer, ep.AcceptTimeoutMS, ep.PolicyScript, boolToInt(ep.Enabled))
	if err != nil {
		return fmt.Errorf("config: upsert endpoint %d: %w", ep.Port, err)
	}
	return nil
}

// GetEndpoint loads a single endpoint profile by port.
func (s *Store) GetEndpoint(ctx context.Context, port int) (Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT port, backlog, receive_buffer, accept_timeout_ms, policy_script, enabled, created_at, updated_at
        FROM endpoints
        WHERE port = ?
    `, port)

	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Endpoint{}, NotFoundError{Entity: "endpoint", Key: strconv.Itoa(port)}
		}
		return Endpoint{}, fmt.Errorf("config: get endpoint %d: %w", port, err)
	}
	return ep, nil
}

// ListEndpoints returns all endpoint profiles ordered by port.
func (s *Store) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT port, backlog, receive_buffer, accept_timeout_ms, policy_script, enabled, created_at, updated_at
        FROM endpoints
        ORDER BY port
    `)
	if err != nil {
		return nil, fmt.Errorf("config: list endpoints: %w", err)
	}

	return scanList(rows, scanEndpoint, "config: scan endpoint row", "config: iterate endpoint rows")
}

// ListEnabledEndpoints returns the endpoint profiles the daemon should open.
func (s *Store) ListEnabledEndpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT port, backlog, receive_buffer, accept_timeout_ms, policy_script, enabled, created_at, updated_at
        FROM endpoints
        WHERE enabled = 1
        ORDER BY port
    `)
	if err != nil {
		return nil, fmt.Errorf("config: list enabled endpoints: %w", err)
	}

	return scanList(rows, scanEndpoint, "config: scan endpoint row", "config: iterate endpoint rows")
}

// DeleteEndpoint removes an endpoint profile.
func (s *Store) DeleteEndpoint(ctx context.Context, port int) error {
	if s.readOnly {
		return fmt.Errorf("config: delete endpoint: store opened read-only")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE port = ?`, port)
	if err != nil {
		return fmt.Errorf("config: delete endpoint %d: %w", port, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("config: delete endpoint %d: %w", port, err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "endpoint", Key: strconv.Itoa(port)}
	}
	return nil
}

// SetEndpointEnabled toggles whether the daemon opens the endpoint.
func (s *Store) SetEndpointEnabled(ctx context.Context, port int, enabled bool) error {
	if s.readOnly {
		return fmt.Errorf("config: set endpoint enabled: store opened read-only")
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE endpoints
        SET enabled = ?, updated_at = `+sqliteNow+`
        WHERE port = ?
    `, boolToInt(enabled), port)
	if err != nil {
		return fmt.Errorf("config: set endpoint %d enabled: %w", port, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("config: set endpoint %d enabled: %w", port, err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "endpoint", Key: strconv.Itoa(port)}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
