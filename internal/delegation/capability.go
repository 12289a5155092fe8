package delegation

import (
	"fmt"

	"github.com/opencode-hub/hub/internal/apperr"
	"github.com/opencode-hub/hub/internal/store"
)

// ForbiddenError indicates a participant lacks a required capability,
// grounded on the teacher's auth.ForbiddenError shape but checked against
// the fixed capability set of spec §3/§4.5 instead of a SQL role join.
type ForbiddenError struct {
	Capability store.Capability
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// requireCapability returns a *apperr.Error of kind Unauthorized unless p
// carries cap.
func requireCapability(p store.Participant, cap store.Capability) error {
	if p.HasCapability(cap) || p.HasCapability(store.CapAdmin) {
		return nil
	}
	return apperr.Wrap(apperr.Unauthorized, "missing capability", ForbiddenError{Capability: cap})
}
