// Package reservation holds game slots for whole parties. A reservation
// pins a target server, mints one claim token per online member, and
// expires as a unit: tokens not claimed within the TTL vanish with the
// reservation. State lives in the shared KV store so any proxy can validate
// a claim.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/party"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// TokenTTL is how long a reservation and its claim tokens stay valid.
const TokenTTL = 30 * time.Second

// Key layout, shared with the proxy plugins.
const (
	keyReservationData  = "fulcrum:party:reservation:"       // + reservationId -> Reservation JSON
	keyReservationToken = "fulcrum:party:reservation:token:" // + token -> TokenClaim JSON
)

func dataKey(reservationID string) string { return keyReservationData + reservationID }

func tokenKey(token string) string { return keyReservationToken + token }

// FamilyVariantInfo describes the capacity shape of one playable variant.
type FamilyVariantInfo struct {
	MaxPartySize int
	MaxTeamSize  int
	TeamCount    int
}

// VariantProvider resolves capacity rules for a family and variant. Game
// servers implement this from their loaded game configs; unknown variants
// fall back to permissive defaults.
type VariantProvider interface {
	VariantInfo(family, variant string) (FamilyVariantInfo, bool)
}

// defaultVariantInfo is the fallback when no provider knows the variant:
// any party up to the hard cap fits, on a single team.
func defaultVariantInfo() FamilyVariantInfo {
	return FamilyVariantInfo{
		MaxPartySize: party.HardSizeCap,
		MaxTeamSize:  party.HardSizeCap,
		TeamCount:    1,
	}
}

// Reservation is the persisted record.
type Reservation struct {
	ReservationID string            `json:"reservationId"`
	PartyID       string            `json:"partyId"`
	ServerID      string            `json:"serverId"`
	Family        string            `json:"family"`
	Variant       string            `json:"variant,omitempty"`
	Tokens        map[string]string `json:"tokens"` // player id -> token
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// TokenClaim is what a token key resolves to.
type TokenClaim struct {
	ReservationID string `json:"reservationId"`
	PlayerID      string `json:"playerId"`
	ServerID      string `json:"serverId"`
}

// Errors returned by Reserve and Claim.
var (
	ErrPartyNotFound   = errors.New("reservation: party not found")
	ErrNoOnlineMembers = errors.New("reservation: party has no online members")
	ErrTokenInvalid    = errors.New("reservation: token invalid or expired")
	ErrTokenMismatch   = errors.New("reservation: token belongs to another player")
)

// PartySizeError reports a party that cannot fit the requested variant.
type PartySizeError struct {
	Family  string
	Variant string
	Size    int
	Limit   int
}

func (e *PartySizeError) Error() string {
	target := e.Family
	if e.Variant != "" {
		target = e.Family + ":" + e.Variant
	}
	return fmt.Sprintf("reservation: party of %d exceeds max team size %d for %s", e.Size, e.Limit, target)
}

// PartyBinder is the slice of the party coordinator the service needs:
// snapshot reads plus the active-reservation markers. Satisfied by
// *party.Coordinator.
type PartyBinder interface {
	GetParty(ctx context.Context, partyID string) (*party.Party, error)
	SetActiveReservation(ctx context.Context, partyID, reservationID, serverID string) party.Result
	ClearActiveReservation(ctx context.Context, partyID string) party.Result
}

// Service creates and validates party reservations.
type Service struct {
	store    kv.Store
	parties  PartyBinder
	variants VariantProvider // nil means defaults only
	pub      party.EventPublisher
	logger   *zap.Logger

	now func() time.Time
}

// New wires the service. variants and pub may be nil.
func New(store kv.Store, parties PartyBinder, variants VariantProvider, pub party.EventPublisher, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		parties:  parties,
		variants: variants,
		pub:      pub,
		logger:   logger.Named("reservation"),
		now:      time.Now,
	}
}

// Reserve holds slots on serverID for every online member of the party and
// broadcasts the claim tokens. The party must fit one team of the variant;
// parties larger than the team size are refused rather than split.
func (s *Service) Reserve(ctx context.Context, partyID, serverID, family, variant string) (*Reservation, error) {
	p, err := s.parties.GetParty(ctx, partyID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, err
	}

	online := 0
	for _, m := range p.Members {
		if m.Online {
			online++
		}
	}
	if online == 0 {
		return nil, ErrNoOnlineMembers
	}

	info := defaultVariantInfo()
	if s.variants != nil {
		if vi, known := s.variants.VariantInfo(family, variant); known {
			info = vi
		}
	}

	size := p.Size()
	limit := info.MaxTeamSize
	if info.MaxPartySize < limit {
		limit = info.MaxPartySize
	}
	if size > limit {
		return nil, &PartySizeError{Family: family, Variant: variant, Size: size, Limit: limit}
	}

	now := s.now()
	res := &Reservation{
		ReservationID: uuid.NewString(),
		PartyID:       partyID,
		ServerID:      serverID,
		Family:        family,
		Variant:       variant,
		Tokens:        make(map[string]string),
		CreatedAt:     now,
		ExpiresAt:     now.Add(TokenTTL),
	}
	for _, m := range p.Members {
		if !m.Online {
			continue
		}
		res.Tokens[m.PlayerID] = uuid.NewString()
	}

	if err := s.persist(ctx, res); err != nil {
		return nil, err
	}

	if r := s.parties.SetActiveReservation(ctx, partyID, res.ReservationID, serverID); !r.OK() {
		s.logger.Warn("failed to mark active reservation",
			zap.String("partyId", partyID),
			zap.String("code", string(r.Code)),
		)
	}

	s.broadcast(ctx, res)
	return res, nil
}

// persist writes the reservation record and one key per token, all with the
// reservation TTL.
func (s *Service) persist(ctx context.Context, res *Reservation) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("reservation: marshal: %w", err)
	}
	if err := s.store.SetEx(ctx, dataKey(res.ReservationID), string(raw), TokenTTL); err != nil {
		return fmt.Errorf("reservation: save: %w", err)
	}
	for playerID, token := range res.Tokens {
		claim := TokenClaim{
			ReservationID: res.ReservationID,
			PlayerID:      playerID,
			ServerID:      res.ServerID,
		}
		rawClaim, err := json.Marshal(claim)
		if err != nil {
			return fmt.Errorf("reservation: marshal claim: %w", err)
		}
		if err := s.store.SetEx(ctx, tokenKey(token), string(rawClaim), TokenTTL); err != nil {
			return fmt.Errorf("reservation: save token: %w", err)
		}
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, res *Reservation) {
	if s.pub == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("marshal reservation", zap.String("reservationId", res.ReservationID), zap.Error(err))
		return
	}
	msg := protocol.PartyReservationCreatedMessage{
		ReservationID:  res.ReservationID,
		PartyID:        res.PartyID,
		FamilyID:       res.Family,
		VariantID:      res.Variant,
		TargetServerID: res.ServerID,
		Reservation:    raw,
	}
	if err := s.pub.Broadcast(ctx, protocol.ChannelReservationCreated, protocol.TypePartyReservationCreated, msg); err != nil {
		s.logger.Warn("failed to broadcast reservation",
			zap.String("reservationId", res.ReservationID),
			zap.Error(err),
		)
	}
}

// Claim consumes a token for playerID and returns the claim. Tokens are
// single-use; a second claim of the same token fails.
func (s *Service) Claim(ctx context.Context, token, playerID string) (*TokenClaim, error) {
	raw, err := s.store.Get(ctx, tokenKey(token))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	var claim TokenClaim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return nil, fmt.Errorf("reservation: decode claim: %w", err)
	}
	if claim.PlayerID != playerID {
		return nil, ErrTokenMismatch
	}
	if err := s.store.Del(ctx, tokenKey(token)); err != nil {
		return nil, fmt.Errorf("reservation: consume token: %w", err)
	}
	return &claim, nil
}

// Get loads a reservation, or nil when it expired.
func (s *Service) Get(ctx context.Context, reservationID string) (*Reservation, error) {
	raw, err := s.store.Get(ctx, dataKey(reservationID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res Reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("reservation: decode: %w", err)
	}
	return &res, nil
}

// Release drops a reservation and its outstanding tokens, and clears the
// party's active-reservation marker.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	res, err := s.Get(ctx, reservationID)
	if err != nil || res == nil {
		return err
	}
	keys := []string{dataKey(reservationID)}
	for _, token := range res.Tokens {
		keys = append(keys, tokenKey(token))
	}
	if err := s.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("reservation: release: %w", err)
	}
	if r := s.parties.ClearActiveReservation(ctx, res.PartyID); !r.OK() && r.Code != party.CodeNotInParty {
		s.logger.Warn("failed to clear active reservation",
			zap.String("partyId", res.PartyID),
			zap.String("code", string(r.Code)),
		)
	}
	return nil
}
