package engine

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"bloodline/internal/config"
	"bloodline/internal/events"
	"bloodline/internal/repo"
)

// Engine implements the coordination core. All time-dependent state is
// derived from stored timestamps against Now at the moment of read or
// action; there are no background timers.
type Engine struct {
	DB     *sql.DB
	Repo   *repo.Repo
	Events *events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, r *repo.Repo, w *events.Writer, cfg *config.Config) *Engine {
	return &Engine{DB: db, Repo: r, Events: w, Config: cfg, Now: time.Now}
}

func (e *Engine) now() time.Time {
	return e.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// wholeDays floors the elapsed whole days from a to b; negative when b
// precedes a.
func wholeDays(a, b time.Time) int {
	return int(math.Floor(b.Sub(a).Hours() / 24))
}
