package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bloodline/internal/config"
	"bloodline/internal/db"
	"bloodline/internal/domain"
	"bloodline/internal/events"
	"bloodline/internal/migrate"
	"bloodline/internal/repo"
)

// App bundles the opened store with the resolved network and its config.
type App struct {
	DB      *sql.DB
	Repo    *repo.Repo
	Events  *events.Writer
	Config  *config.Config
	Network *domain.Network
}

// Open opens the workspace store and applies pending migrations.
func Open(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Resolve opens the store and resolves the named network and its config,
// seeding both from defaults on first use. An empty networkID picks the
// single existing network and errors when the choice is ambiguous.
func Resolve(ctx context.Context, workspace, networkID string) (*App, error) {
	conn, err := Open(ctx, workspace)
	if err != nil {
		return nil, err
	}
	r := repo.New(conn)

	if networkID == "" {
		networks, err := r.ListNetworks(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		switch len(networks) {
		case 0:
			networkID = "default"
		case 1:
			networkID = networks[0].ID
		default:
			conn.Close()
			return nil, fmt.Errorf("multiple networks exist, pass --network")
		}
	}

	network, err := r.GetNetwork(ctx, networkID)
	if errors.Is(err, repo.ErrNotFound) {
		network = &domain.Network{
			ID:        networkID,
			Name:      networkID,
			Status:    "active",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := r.CreateNetwork(ctx, network); err != nil {
			conn.Close()
			return nil, err
		}
	} else if err != nil {
		conn.Close()
		return nil, err
	}

	cfg, err := resolveConfig(ctx, r, networkID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &App{
		DB:      conn,
		Repo:    r,
		Events:  events.NewWriter(),
		Config:  cfg,
		Network: network,
	}, nil
}

func resolveConfig(ctx context.Context, r *repo.Repo, networkID string) (*config.Config, error) {
	raw, err := r.GetNetworkConfigYAML(ctx, networkID)
	if errors.Is(err, repo.ErrNotFound) {
		seed := config.GenerateDefault(networkID)
		if err := r.SaveNetworkConfig(ctx, networkID, seed); err != nil {
			return nil, err
		}
		raw = seed
	} else if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// ImportConfig validates and persists a config for the network.
func ImportConfig(ctx context.Context, r *repo.Repo, networkID string, raw []byte) (*config.Config, error) {
	cfg, err := config.FromYAML(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Network.ID != networkID {
		return nil, fmt.Errorf("config network id %s does not match %s", cfg.Network.ID, networkID)
	}
	if err := r.SaveNetworkConfig(ctx, networkID, string(raw)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
