package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrNotPending = errors.New("record is not a pending approval")
)

// Decide performs the operator's approval decision by relocating the
// request's document, exactly as a person would in a file browser. The
// next cycle picks the decision up.
func Decide(ctx context.Context, s *store.Store, v *vault.Vault, id string, approve bool) (models.State, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Kind != models.KindApprovalRequest || rec.State != models.StatePendingApproval {
		return "", fmt.Errorf("%w: %s is a %s in %s", ErrNotPending, id, rec.Kind, rec.State)
	}

	to := models.StateRejected
	if approve {
		to = models.StateApproved
	}
	if err := v.Move(id, models.StatePendingApproval, to); err != nil {
		return "", err
	}
	return to, nil
}
