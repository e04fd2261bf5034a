package realm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/model"
)

// ApplySeed opens the seed's accounts and creates its rooms. Anything that
// already exists is left alone, so applying a seed twice is harmless. Rooms
// are matched by owner and name.
func (a *Aggregator) ApplySeed(ctx context.Context, s *config.Seed) error {
	for _, user := range s.Accounts {
		if _, err := a.OpenPrimary(ctx, strings.TrimSpace(user)); err != nil && !errors.Is(err, model.ErrConflict) {
			return fmt.Errorf("seed account %q: %w", user, err)
		}
	}

	existing, err := a.store.ListRealms(ctx)
	if err != nil {
		return storageErr(err)
	}
	for _, sr := range s.Rooms {
		base, err := sr.Base()
		if err != nil {
			return fmt.Errorf("seed room %q: %w", sr.Name, err)
		}
		r := findRoom(existing, sr.Owner, sr.Name)
		if r == nil {
			if r, _, err = a.CreateRoom(ctx, sr.Owner, sr.Name, base); err != nil {
				return fmt.Errorf("seed room %q: %w", sr.Name, err)
			}
		}
		for _, user := range sr.Participants {
			if _, err := a.JoinRoom(ctx, r.ID, strings.TrimSpace(user)); err != nil && !errors.Is(err, model.ErrConflict) {
				return fmt.Errorf("seed room %q: join %q: %w", sr.Name, user, err)
			}
		}
	}
	a.logger.Info("seed applied", "accounts", len(s.Accounts), "rooms", len(s.Rooms))
	return nil
}

func findRoom(realms []model.Realm, owner, name string) *model.Realm {
	name = strings.TrimSpace(name)
	for i := range realms {
		if realms[i].OwnerID == owner && realms[i].Name == name {
			return &realms[i]
		}
	}
	return nil
}
