package rubrics

import (
	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/settings"
)

// Actor identifies who is performing a rubric operation. The system
// itself (seeding system rubrics, bulk import at setup) bypasses
// permission checks; that bypass is an explicit constructor, never a
// default.
type Actor struct {
	username string
	system   bool
}

func SystemActor() Actor {
	return Actor{system: true}
}

func UserActor(username string) Actor {
	return Actor{username: username}
}

func (a Actor) IsSystem() bool   { return a.system }
func (a Actor) Username() string { return a.username }

// Permissions evaluates the rubric access tiers and the fractional-value
// policy against the injected settings store.
type Permissions struct {
	settings settings.Store
}

func NewPermissions(s settings.Store) *Permissions {
	return &Permissions{settings: s}
}

// CanCreate checks the who-can-create tier for a resolved user.
func (p *Permissions) CanCreate(user *models.User) error {
	tier, err := p.settings.Get(settings.KeyWhoCanCreateRubrics)
	if err != nil {
		return err
	}
	switch tier {
	case settings.TierPermissive:
		return nil
	case settings.TierLocked:
		return apperr.PermissionDenied("rubric creation is locked")
	case settings.TierPerUser:
		if user.IsLead() {
			return nil
		}
		return apperr.PermissionDenied("user %q may not create rubrics", user.Username)
	}
	return apperr.PermissionDenied("unrecognized creation tier %q", tier)
}

// CanModify checks the who-can-modify tier against a specific rubric.
// System rubrics are manager-only regardless of the tier; under the
// per-user tier the rubric's creator keeps edit rights and leads may
// edit anything.
func (p *Permissions) CanModify(user *models.User, rubric *models.Rubric) error {
	tier, err := p.settings.Get(settings.KeyWhoCanModifyRubrics)
	if err != nil {
		return err
	}
	if tier == settings.TierLocked {
		return apperr.PermissionDenied("rubric modification is locked")
	}
	if rubric.SystemRubric {
		if user.IsManager() {
			return nil
		}
		return apperr.PermissionDenied("only a manager may modify a system rubric")
	}
	switch tier {
	case settings.TierPermissive:
		return nil
	case settings.TierPerUser:
		if rubric.Owner == user.Username {
			return nil
		}
		if user.IsLead() {
			return nil
		}
		return apperr.PermissionDenied("user %q may not modify rubric %d", user.Username, rubric.RID)
	}
	return apperr.PermissionDenied("unrecognized modification tier %q", tier)
}
