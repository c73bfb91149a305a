// ABOUTME: Node entity and store methods for paired devices
// ABOUTME: Declared commands are consulted by the node command policy

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNodeNotFound indicates the device id is not registered.
var ErrNodeNotFound = errors.New("node not found")

// Node is one paired device and the command set it declared at pairing.
type Node struct {
	DeviceID    string
	PubkeyFP    string
	DisplayName string
	Platform    string
	Commands    []string
	CreatedAt   time.Time
	LastSeen    *time.Time
}

// UpsertNode inserts or replaces a node registration. The declared
// command set is replaced wholesale, matching pairing semantics.
func (s *SQLiteStore) UpsertNode(ctx context.Context, n *Node) error {
	if n.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	commandsJSON, err := json.Marshal(n.Commands)
	if err != nil {
		return fmt.Errorf("marshaling declared commands: %w", err)
	}

	query := `
		INSERT INTO nodes (device_id, pubkey_fingerprint, display_name, platform, commands_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			pubkey_fingerprint = excluded.pubkey_fingerprint,
			display_name = excluded.display_name,
			platform = excluded.platform,
			commands_json = excluded.commands_json
	`
	_, err = s.db.ExecContext(ctx, query,
		n.DeviceID,
		n.PubkeyFP,
		n.DisplayName,
		n.Platform,
		string(commandsJSON),
		n.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}

	s.logger.Debug("node upserted", "device_id", n.DeviceID, "commands", len(n.Commands))
	return nil
}

// GetNode retrieves a node by device id.
func (s *SQLiteStore) GetNode(ctx context.Context, deviceID string) (*Node, error) {
	query := `
		SELECT device_id, pubkey_fingerprint, display_name, platform, commands_json, created_at, last_seen
		FROM nodes WHERE device_id = ?
	`
	return scanNode(s.db.QueryRowContext(ctx, query, deviceID))
}

// ListNodes returns all registered nodes ordered by device id.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	query := `
		SELECT device_id, pubkey_fingerprint, display_name, platform, commands_json, created_at, last_seen
		FROM nodes ORDER BY device_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// DeclaredCommands returns the command set a node declared at pairing.
func (s *SQLiteStore) DeclaredCommands(ctx context.Context, deviceID string) ([]string, error) {
	n, err := s.GetNode(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return n.Commands, nil
}

// TouchNode records when the node was last connected.
func (s *SQLiteStore) TouchNode(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_seen = ? WHERE device_id = ?`,
		at.UTC().Format(time.RFC3339), deviceID)
	if err != nil {
		return fmt.Errorf("touching node: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// scanNode scans a row into a Node.
func scanNode(scanner interface{ Scan(dest ...any) error }) (*Node, error) {
	var (
		n            Node
		commandsJSON string
		createdStr   string
		lastSeenStr  *string
	)
	if err := scanner.Scan(
		&n.DeviceID,
		&n.PubkeyFP,
		&n.DisplayName,
		&n.Platform,
		&commandsJSON,
		&createdStr,
		&lastSeenStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("scanning node: %w", err)
	}

	if err := json.Unmarshal([]byte(commandsJSON), &n.Commands); err != nil {
		return nil, fmt.Errorf("unmarshaling declared commands: %w", err)
	}

	var err error
	n.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeenStr != nil {
		t, err := time.Parse(time.RFC3339, *lastSeenStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		n.LastSeen = &t
	}
	return &n, nil
}
