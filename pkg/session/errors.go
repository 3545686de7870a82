package session

import (
	"errors"
	"fmt"
	"time"

	"chatbot-engine/pkg/models"
)

var (
	// ErrNotFound is returned when no live session has the requested id
	ErrNotFound = errors.New("session: not found")
	// ErrInactive is returned when registering a bot flagged inactive
	ErrInactive = errors.New("session: bot is inactive")
	// ErrNotYetActive is matched by a ValidityError on the start boundary
	ErrNotYetActive = errors.New("session: bot is not active yet")
	// ErrExpired is matched by a ValidityError on the end boundary
	ErrExpired = errors.New("session: bot has expired")
)

// Boundary names the edge of a validity window
type Boundary string

const (
	BoundaryStart Boundary = "start"
	BoundaryEnd   Boundary = "end"
)

// ValidityError reports an activation attempt outside the validity window
type ValidityError struct {
	SessionID string
	Boundary  Boundary
	At        time.Time
}

func (e *ValidityError) Error() string {
	if e.Boundary == BoundaryStart {
		return fmt.Sprintf("session %s is not active until %s", e.SessionID, e.At.Format(time.RFC3339))
	}
	return fmt.Sprintf("session %s expired at %s", e.SessionID, e.At.Format(time.RFC3339))
}

func (e *ValidityError) Is(target error) bool {
	switch target {
	case ErrNotYetActive:
		return e.Boundary == BoundaryStart
	case ErrExpired:
		return e.Boundary == BoundaryEnd
	}
	return false
}

// Validate reports why bot cannot be activated at now, or nil
func Validate(bot *models.BotSession, now time.Time) error {
	if !bot.Active {
		return fmt.Errorf("%w: %s", ErrInactive, bot.ID)
	}
	return checkValidity(bot.ID, bot.StartDate, bot.EndDate, now)
}

// checkValidity returns a ValidityError when now falls outside [start, end].
// A zero boundary is open.
func checkValidity(id string, start, end, now time.Time) error {
	if !start.IsZero() && now.Before(start) {
		return &ValidityError{SessionID: id, Boundary: BoundaryStart, At: start}
	}
	if !end.IsZero() && now.After(end) {
		return &ValidityError{SessionID: id, Boundary: BoundaryEnd, At: end}
	}
	return nil
}
