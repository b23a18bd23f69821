// Package guard decides whether a user may talk to the bot at all: the ban
// lockout, the one-way verification flag and the spam keyword screen.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ghzxs/telegram-feedback-bot/internal/kvstore"
)

// State is the explicit access state of a user, in precedence order: an
// unexpired ban wins over everything, verification wins over a pending
// captcha.
type State int

const (
	StateUnverified State = iota
	StateChallenged
	StateVerified
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateChallenged:
		return "challenged"
	case StateVerified:
		return "verified"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

func BanKey(userID int64) string     { return "ban:" + strconv.FormatInt(userID, 10) }
func UserKey(userID int64) string    { return "user:" + strconv.FormatInt(userID, 10) }
func CaptchaKey(userID int64) string { return "captcha:" + strconv.FormatInt(userID, 10) }

// BanRecord field names match the stored contract; Until is epoch
// milliseconds.
type BanRecord struct {
	Until int64 `json:"until"`
}

type UserRecord struct {
	Verified   bool  `json:"verified"`
	VerifiedAt int64 `json:"verifiedAt"`
}

type Gate struct {
	store kvstore.Store
	now   func() time.Time
}

func NewGate(store kvstore.Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

// SetClock overrides the gate's clock. Intended for tests.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// IsBanned reports whether userID is under an unexpired ban. An expired
// record is deleted on sight.
func (g *Gate) IsBanned(ctx context.Context, userID int64) (bool, error) {
	entry, ok, err := g.store.Get(ctx, BanKey(userID))
	if err != nil {
		return false, fmt.Errorf("guard: read ban record: %w", err)
	}
	if !ok {
		return false, nil
	}
	var rec BanRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return false, fmt.Errorf("guard: decode ban record: %w", err)
	}
	if g.now().UnixMilli() < rec.Until {
		return true, nil
	}
	if err := g.store.Delete(ctx, BanKey(userID)); err != nil {
		return false, fmt.Errorf("guard: drop expired ban record: %w", err)
	}
	return false, nil
}

// Ban locks userID out for the given number of days. The store TTL and the
// explicit until timestamp both enforce the expiry.
func (g *Gate) Ban(ctx context.Context, userID int64, days int) error {
	ttl := time.Duration(days) * 24 * time.Hour
	rec := BanRecord{Until: g.now().Add(ttl).UnixMilli()}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("guard: encode ban record: %w", err)
	}
	if err := g.store.Put(ctx, BanKey(userID), value, kvstore.PutOptions{TTL: ttl}); err != nil {
		return fmt.Errorf("guard: write ban record: %w", err)
	}
	return nil
}

func (g *Gate) IsVerified(ctx context.Context, userID int64) (bool, error) {
	entry, ok, err := g.store.Get(ctx, UserKey(userID))
	if err != nil {
		return false, fmt.Errorf("guard: read user record: %w", err)
	}
	if !ok {
		return false, nil
	}
	var rec UserRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return false, fmt.Errorf("guard: decode user record: %w", err)
	}
	return rec.Verified, nil
}

// MarkVerified writes the permanent verification flag. It is monotonic:
// there is no way back to unverified.
func (g *Gate) MarkVerified(ctx context.Context, userID int64) error {
	rec := UserRecord{Verified: true, VerifiedAt: g.now().UnixMilli()}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("guard: encode user record: %w", err)
	}
	if err := g.store.Put(ctx, UserKey(userID), value, kvstore.PutOptions{}); err != nil {
		return fmt.Errorf("guard: write user record: %w", err)
	}
	return nil
}

// State computes the tagged access state in one place instead of letting
// callers infer it from which records happen to exist.
func (g *Gate) State(ctx context.Context, userID int64) (State, error) {
	banned, err := g.IsBanned(ctx, userID)
	if err != nil {
		return StateUnverified, err
	}
	if banned {
		return StateBanned, nil
	}
	verified, err := g.IsVerified(ctx, userID)
	if err != nil {
		return StateUnverified, err
	}
	if verified {
		return StateVerified, nil
	}
	_, challenged, err := g.store.Get(ctx, CaptchaKey(userID))
	if err != nil {
		return StateUnverified, fmt.Errorf("guard: read captcha record: %w", err)
	}
	if challenged {
		return StateChallenged, nil
	}
	return StateUnverified, nil
}
