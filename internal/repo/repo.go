package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bloodline/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repo provides data access on top of *sql.DB.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- networks ---

func (r *Repo) CreateNetwork(ctx context.Context, n *domain.Network) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO networks (id, name, status, created_at)
		VALUES (?, ?, ?, ?)`,
		n.ID, n.Name, n.Status, n.CreatedAt)
	return err
}

func (r *Repo) GetNetwork(ctx context.Context, id string) (*domain.Network, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, name, status, created_at FROM networks WHERE id = ?`, id)
	var n domain.Network
	if err := row.Scan(&n.ID, &n.Name, &n.Status, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (r *Repo) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, name, status, created_at FROM networks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Network
	for rows.Next() {
		var n domain.Network
		if err := rows.Scan(&n.ID, &n.Name, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveNetworkConfig upserts the YAML config attached to a network.
func (r *Repo) SaveNetworkConfig(ctx context.Context, networkID, configYAML string) error {
	now := nowRFC3339()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO network_configs (network_id, config_yaml, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(network_id) DO UPDATE SET config_yaml = excluded.config_yaml, updated_at = excluded.updated_at`,
		networkID, configYAML, now, now)
	return err
}

func (r *Repo) GetNetworkConfigYAML(ctx context.Context, networkID string) (string, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT config_yaml FROM network_configs WHERE network_id = ?`, networkID)
	var yaml string
	if err := row.Scan(&yaml); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return yaml, nil
}

// --- actors ---

func (r *Repo) CreateActor(ctx context.Context, a *domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO actors (id, network_id, name, role, blood_group, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.NetworkID, nullable(a.Name), a.Role, nullable(a.BloodGroup), a.CreatedAt)
	return err
}

func (r *Repo) GetActor(ctx context.Context, id string) (*domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, network_id, name, role, blood_group, created_at
		FROM actors WHERE id = ?`, id)
	return scanActor(row)
}

func (r *Repo) ListActors(ctx context.Context, networkID string) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, network_id, name, role, blood_group, created_at
		FROM actors WHERE network_id = ? ORDER BY created_at, id`, networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Actor
	for rows.Next() {
		a, err := scanActorRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanActor(row *sql.Row) (*domain.Actor, error) {
	var a domain.Actor
	var name, bloodGroup sql.NullString
	if err := row.Scan(&a.ID, &a.NetworkID, &name, &a.Role, &bloodGroup, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Name = name.String
	a.BloodGroup = bloodGroup.String
	return &a, nil
}

func scanActorRows(rows *sql.Rows) (*domain.Actor, error) {
	var a domain.Actor
	var name, bloodGroup sql.NullString
	if err := rows.Scan(&a.ID, &a.NetworkID, &name, &a.Role, &bloodGroup, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Name = name.String
	a.BloodGroup = bloodGroup.String
	return &a, nil
}

// --- events ---

func (r *Repo) ListEvents(ctx context.Context, networkID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, ts, type, network_id, entity_kind, entity_id, actor_id, payload_json
		FROM events WHERE network_id = ? ORDER BY id DESC LIMIT ?`, networkID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with id greater than afterID in id order,
// used by the notification dispatcher to tail the log.
func (r *Repo) EventsAfter(ctx context.Context, networkID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, ts, type, network_id, entity_kind, entity_id, actor_id, payload_json
		FROM events WHERE network_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, networkID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *Repo) LatestEventID(ctx context.Context, networkID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM events WHERE network_id = ?`, networkID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var networkID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &networkID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.NetworkID = networkID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}
