package party

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
)

// maintenanceInterval is how often the sweep walks the active set.
const maintenanceInterval = 30 * time.Second

// StartMaintenance schedules the periodic sweep. Only one sweep runs at a
// time; an overrun is rescheduled rather than stacked.
func (c *Coordinator) StartMaintenance(ctx context.Context) (gocron.Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("party: create scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(maintenanceInterval),
		gocron.NewTask(func() {
			if err := c.RunMaintenance(ctx); err != nil {
				c.logger.Warn("maintenance sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("party: schedule maintenance: %w", err)
	}
	cron.Start()
	return cron, nil
}

// RunMaintenance performs one sweep over every active party: drops orphaned
// active-set entries, purges expired invites, removes members offline past
// the disconnect grace, and disbands solo parties whose idle grace elapsed.
func (c *Coordinator) RunMaintenance(ctx context.Context) error {
	ids, err := c.repo.ActivePartyIDs(ctx)
	if err != nil {
		return fmt.Errorf("party: list active: %w", err)
	}
	if c.metrics != nil {
		c.metrics.ActiveParties.Set(float64(len(ids)))
	}
	for _, partyID := range ids {
		c.sweepParty(ctx, partyID)
	}
	return nil
}

func (c *Coordinator) sweepParty(ctx context.Context, partyID string) {
	res := c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, err := c.repo.GetParty(ctx, partyID)
		if errors.Is(err, kv.ErrNotFound) {
			// Orphaned index entry; data key was deleted out of band.
			_ = c.repo.RemoveActive(ctx, partyID)
			return Result{Code: CodeOK}
		}
		if err != nil {
			return fail(CodeRedisUnavailable)
		}

		now := c.now()
		dirty := c.purgeExpiredInvites(ctx, p, now)

		// Drop members who stayed offline past the grace. The leader goes
		// last so succession happens before the party can empty out.
		var stale []string
		for _, m := range p.Members {
			if m.Online || !m.LastSeenAt.Before(now.Add(-DisconnectGrace)) {
				continue
			}
			if m.PlayerID == p.LeaderID {
				stale = append(stale, m.PlayerID)
			} else {
				stale = append([]string{m.PlayerID}, stale...)
			}
		}
		for _, id := range stale {
			r := c.removeFromParty(ctx, p, id, ActionMemberKicked, "offline timeout")
			if !r.OK() || r.Party == nil {
				return r // disbanded or store failure, nothing left to sweep
			}
			dirty = false // removeFromParty already saved
		}

		if p.Size() <= 1 && !p.PendingIdleDisbandAt.IsZero() && !now.Before(p.PendingIdleDisbandAt) {
			return c.disband(ctx, p, "idle")
		}

		if dirty {
			if code := c.saveOrFail(ctx, p); code != CodeOK {
				return fail(code)
			}
		}
		return ok(p)
	})
	if res.Code == CodeRedisUnavailable {
		c.logger.Warn("party sweep skipped", zap.String("partyId", partyID))
	}
}

// purgeExpiredInvites clears snapshot entries whose TTL passed. The KV keys
// expire on their own; this keeps the snapshot honest and emits the expiry
// event. Returns true when the snapshot changed.
func (c *Coordinator) purgeExpiredInvites(ctx context.Context, p *Party, now time.Time) bool {
	changed := false
	for targetID, inv := range p.Invites {
		if !inv.Expired(now) {
			continue
		}
		_ = c.repo.DeleteInvite(ctx, targetID, p.PartyID)
		delete(p.Invites, targetID)
		changed = true
		c.publishUpdate(ctx, p.PartyID, ActionInviteExpired, p, "", targetID, "")
	}
	return changed
}
