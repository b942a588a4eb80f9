package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// Setting keys for the admin transport configuration.
const (
	SettingHTTPHost       = "transport.http_host"
	SettingHTTPPort       = "transport.http_port"
	SettingGRPCPort       = "transport.grpc_port"
	SettingAuthToken      = "transport.auth_token"
	SettingAllowedOrigins = "transport.allowed_origins"
)

// TransportConfig captures admin API binding and auth settings.
type TransportConfig struct {
	HTTPHost       string
	HTTPPort       int
	GRPCPort       int
	AuthToken      string   // empty disables bearer auth
	AllowedOrigins []string // websocket origin allowlist; empty allows same-host only
}

// GetTransportConfig loads admin transport settings.
func (s *Store) GetTransportConfig(ctx context.Context) (TransportConfig, error) {
	settings, err := s.LoadSettings(ctx,
		SettingHTTPHost,
		SettingHTTPPort,
		SettingGRPCPort,
		SettingAuthToken,
		SettingAllowedOrigins,
	)
	if err != nil {
		return TransportConfig{}, err
	}

	cfg := TransportConfig{
		HTTPHost:       settings[SettingHTTPHost],
		AuthToken:      settings[SettingAuthToken],
		AllowedOrigins: []string{},
	}

	if portStr := settings[SettingHTTPPort]; portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return TransportConfig{}, fmt.Errorf("config: parse %s: %w", SettingHTTPPort, err)
		}
		cfg.HTTPPort = port
	}

	if portStr := settings[SettingGRPCPort]; portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return TransportConfig{}, fmt.Errorf("config: parse %s: %w", SettingGRPCPort, err)
		}
		cfg.GRPCPort = port
	}

	if originsJSON := settings[SettingAllowedOrigins]; originsJSON != "" {
		origins, err := DecodeJSON[[]string](sql.NullString{String: originsJSON, Valid: true})
		if err != nil {
			return TransportConfig{}, fmt.Errorf("config: parse %s: %w", SettingAllowedOrigins, err)
		}
		cfg.AllowedOrigins = origins
	}

	return cfg, nil
}

// SaveTransportConfig persists the provided transport configuration.
func (s *Store) SaveTransportConfig(ctx context.Context, cfg TransportConfig) error {
	originsPayload, err := encodeJSON(cfg.AllowedOrigins, nullWhenEmptySlice[string])
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", SettingAllowedOrigins, err)
	}
	originsJSON, _ := originsPayload.(string)

	values := map[string]string{
		SettingHTTPHost:       cfg.HTTPHost,
		SettingHTTPPort:       strconv.Itoa(cfg.HTTPPort),
		SettingGRPCPort:       strconv.Itoa(cfg.GRPCPort),
		SettingAuthToken:      cfg.AuthToken,
		SettingAllowedOrigins: originsJSON,
	}

	return s.SaveSettings(ctx, values)
}
