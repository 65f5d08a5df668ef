package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
)

// Key layout. These strings are shared with the proxy plugins and external
// tooling; never change them.
const (
	keyPartyData   = "fulcrum:party:data:"   // + partyId -> Party JSON
	keyPartyLookup = "fulcrum:party:lookup:" // + playerId -> partyId
	keyPartyInvite = "fulcrum:party:invite:" // + playerId + ":" + partyId -> Invite JSON
	keyPartyActive = "fulcrum:party:active"  // set of party ids
	keyPartyLock   = "fulcrum:party:lock:"   // + partyId -> lock token
)

func dataKey(partyID string) string { return keyPartyData + partyID }

func lookupKey(playerID string) string { return keyPartyLookup + playerID }

func lockKey(partyID string) string { return keyPartyLock + partyID }

func inviteKey(playerID, partyID string) string {
	return keyPartyInvite + playerID + ":" + partyID
}

// Repository persists parties, invites and lookups in the shared KV store.
// It does no locking; callers serialize through the coordinator's party
// locks.
type Repository struct {
	store kv.Store
}

// NewRepository creates a repository over the given store.
func NewRepository(store kv.Store) *Repository {
	return &Repository{store: store}
}

// SaveParty writes the snapshot and keeps the active set in sync.
func (r *Repository) SaveParty(ctx context.Context, p *Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("party: marshal %s: %w", p.PartyID, err)
	}
	if err := r.store.Set(ctx, dataKey(p.PartyID), string(raw)); err != nil {
		return fmt.Errorf("party: save %s: %w", p.PartyID, err)
	}
	if err := r.store.SAdd(ctx, keyPartyActive, p.PartyID); err != nil {
		return fmt.Errorf("party: index %s: %w", p.PartyID, err)
	}
	return nil
}

// GetParty loads a snapshot. Returns kv.ErrNotFound when absent.
func (r *Repository) GetParty(ctx context.Context, partyID string) (*Party, error) {
	raw, err := r.store.Get(ctx, dataKey(partyID))
	if err != nil {
		return nil, err
	}
	var p Party
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("party: decode %s: %w", partyID, err)
	}
	if p.Invites == nil {
		p.Invites = map[string]Invite{}
	}
	return &p, nil
}

// DeleteParty removes the snapshot and its active-set entry.
func (r *Repository) DeleteParty(ctx context.Context, partyID string) error {
	if err := r.store.Del(ctx, dataKey(partyID)); err != nil {
		return fmt.Errorf("party: delete %s: %w", partyID, err)
	}
	if err := r.store.SRem(ctx, keyPartyActive, partyID); err != nil {
		return fmt.Errorf("party: deindex %s: %w", partyID, err)
	}
	return nil
}

// PartyIDOf resolves a player's current party. Empty string when the player
// is not in one.
func (r *Repository) PartyIDOf(ctx context.Context, playerID string) (string, error) {
	id, err := r.store.Get(ctx, lookupKey(playerID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// SetLookup binds a player to a party.
func (r *Repository) SetLookup(ctx context.Context, playerID, partyID string) error {
	return r.store.Set(ctx, lookupKey(playerID), partyID)
}

// DeleteLookup unbinds a player.
func (r *Repository) DeleteLookup(ctx context.Context, playerID string) error {
	return r.store.Del(ctx, lookupKey(playerID))
}

// SaveInvite writes the invite with a TTL matching its expiry, so Redis
// garbage-collects it even if no sweep runs.
func (r *Repository) SaveInvite(ctx context.Context, inv Invite, now time.Time) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("party: marshal invite: %w", err)
	}
	ttl := inv.ExpiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.store.SetEx(ctx, inviteKey(inv.TargetID, inv.PartyID), string(raw), ttl)
}

// GetInvite loads a single invite. Returns kv.ErrNotFound when absent or
// already expired out of Redis.
func (r *Repository) GetInvite(ctx context.Context, playerID, partyID string) (*Invite, error) {
	raw, err := r.store.Get(ctx, inviteKey(playerID, partyID))
	if err != nil {
		return nil, err
	}
	var inv Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, fmt.Errorf("party: decode invite: %w", err)
	}
	return &inv, nil
}

// DeleteInvite removes one invite.
func (r *Repository) DeleteInvite(ctx context.Context, playerID, partyID string) error {
	return r.store.Del(ctx, inviteKey(playerID, partyID))
}

// InvitesFor lists a player's pending invites across all parties.
func (r *Repository) InvitesFor(ctx context.Context, playerID string) ([]Invite, error) {
	keys, err := r.store.ScanPrefix(ctx, keyPartyInvite+playerID+":")
	if err != nil {
		return nil, fmt.Errorf("party: scan invites: %w", err)
	}
	invites := make([]Invite, 0, len(keys))
	for _, key := range keys {
		partyID := strings.TrimPrefix(key, keyPartyInvite+playerID+":")
		inv, err := r.GetInvite(ctx, playerID, partyID)
		if errors.Is(err, kv.ErrNotFound) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		invites = append(invites, *inv)
	}
	return invites, nil
}

// ActivePartyIDs lists every party in the active set.
func (r *Repository) ActivePartyIDs(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, keyPartyActive)
}

// RemoveActive drops an id from the active set without touching data. Used
// by the maintenance sweep for orphaned index entries.
func (r *Repository) RemoveActive(ctx context.Context, partyID string) error {
	return r.store.SRem(ctx, keyPartyActive, partyID)
}
