package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ForbiddenError means the actor exists but lacks the required role, or
// the actor is unknown to the registry.
type ForbiddenError struct {
	ActorID string
	Reason  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s: %s", e.ActorID, e.Reason)
}

// RequireRole checks the actor's registered role against the allowed set
// and returns it. Operations pass the roles they are restricted to.
func RequireRole(ctx context.Context, db *sql.DB, actorID string, roles ...string) (string, error) {
	if actorID == "" {
		return "", &ForbiddenError{ActorID: actorID, Reason: "actor id required"}
	}
	var role string
	err := db.QueryRowContext(ctx, `SELECT role FROM actors WHERE id = ?`, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ForbiddenError{ActorID: actorID, Reason: "unknown actor"}
	}
	if err != nil {
		return "", err
	}
	for _, r := range roles {
		if role == r {
			return role, nil
		}
	}
	return "", &ForbiddenError{
		ActorID: actorID,
		Reason:  fmt.Sprintf("role %s required (have %s)", strings.Join(roles, " or "), role),
	}
}
