// Package challenge issues and grades the arithmetic captcha that stands
// between a new user and the relay.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"

	"github.com/ghzxs/telegram-feedback-bot/guard"
	"github.com/ghzxs/telegram-feedback-bot/internal/kvstore"
)

// Rand is the randomness the engine consumes. The default draws from the
// shared math/rand/v2 source; tests inject a seeded one for exact option
// sets.
type Rand interface {
	IntN(n int) int
}

type stdRand struct{}

func (stdRand) IntN(n int) int { return rand.IntN(n) }

// Record is the persisted state of one pending captcha. Field names are the
// stored contract.
type Record struct {
	Answer    string `json:"answer"`
	Attempts  int    `json:"attempts"`
	CaptchaID string `json:"captchaId"`
}

// Challenge is one issued question with its three display options, exactly
// one of which equals the answer.
type Challenge struct {
	Question  string
	Options   []string
	CaptchaID string
}

type Outcome int

const (
	// OutcomeVerified: correct answer; the user is now permanently verified.
	OutcomeVerified Outcome = iota
	// OutcomeRetry: wrong answer with attempts left; Next holds the fresh
	// question.
	OutcomeRetry
	// OutcomeBanned: wrong answer exhausted the attempt budget.
	OutcomeBanned
	// OutcomeExpired: no pending captcha; the submission consumes nothing.
	OutcomeExpired
	// OutcomeStale: a concurrent submission already mutated the record; no
	// attempt was consumed.
	OutcomeStale
)

type Result struct {
	Outcome   Outcome
	Next      *Challenge
	Remaining int
}

// AccessGate is the slice of guard.Gate the engine drives on terminal
// outcomes.
type AccessGate interface {
	MarkVerified(ctx context.Context, userID int64) error
	Ban(ctx context.Context, userID int64, days int) error
}

type Engine struct {
	store  kvstore.Store
	gate   AccessGate
	policy guard.Policy
	rng    Rand
}

func NewEngine(store kvstore.Store, gate AccessGate, policy guard.Policy) *Engine {
	return &Engine{store: store, gate: gate, policy: policy, rng: stdRand{}}
}

// SetRand replaces the randomness source. Intended for tests.
func (e *Engine) SetRand(r Rand) { e.rng = r }

// generate builds a question, its answer and three shuffled options: the
// answer plus two distinct distractors rejection-sampled from
// [answer-spread, answer+spread].
func (e *Engine) generate() (question, answer string, options []string) {
	span := e.policy.OperandMax - e.policy.OperandMin + 1
	a := e.policy.OperandMin + e.rng.IntN(span)
	b := e.policy.OperandMin + e.rng.IntN(span)
	sum := a + b
	question = fmt.Sprintf("%d + %d = ?", a, b)

	spread := e.policy.DistractorSpread
	picked := map[int]bool{sum: true}
	values := []int{sum}
	for len(values) < 3 {
		d := sum - spread + e.rng.IntN(2*spread+1)
		if picked[d] {
			continue
		}
		picked[d] = true
		values = append(values, d)
	}
	for i := len(values) - 1; i > 0; i-- {
		j := e.rng.IntN(i + 1)
		values[i], values[j] = values[j], values[i]
	}

	options = make([]string, len(values))
	for i, v := range values {
		options[i] = strconv.Itoa(v)
	}
	return question, strconv.Itoa(sum), options
}

// Issue creates a fresh captcha for userID, replacing any pending one, and
// persists it with the policy TTL.
func (e *Engine) Issue(ctx context.Context, userID int64) (*Challenge, error) {
	question, answer, options := e.generate()
	rec := Record{
		Answer:    answer,
		Attempts:  0,
		CaptchaID: uuid.NewString(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("challenge: encode record: %w", err)
	}
	if err := e.store.Put(ctx, guard.CaptchaKey(userID), value, kvstore.PutOptions{TTL: e.policy.CaptchaTTL}); err != nil {
		return nil, fmt.Errorf("challenge: write record: %w", err)
	}
	return &Challenge{Question: question, Options: options, CaptchaID: rec.CaptchaID}, nil
}

// Submit grades an answer against the pending captcha.
//
// Correct: the user is marked verified and the record removed. Wrong with
// attempts left: the record is swapped for a fresh question under an
// optimistic version check, so two racing submissions count one attempt at
// most. Wrong on the last attempt: record removed, user banned. No record:
// expired, nothing is consumed.
func (e *Engine) Submit(ctx context.Context, userID int64, answer string) (Result, error) {
	key := guard.CaptchaKey(userID)
	entry, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("challenge: read record: %w", err)
	}
	if !ok {
		return Result{Outcome: OutcomeExpired}, nil
	}
	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return Result{}, fmt.Errorf("challenge: decode record: %w", err)
	}

	if answer == rec.Answer {
		if err := e.gate.MarkVerified(ctx, userID); err != nil {
			return Result{}, err
		}
		if err := e.store.Delete(ctx, key); err != nil {
			return Result{}, fmt.Errorf("challenge: drop solved record: %w", err)
		}
		return Result{Outcome: OutcomeVerified}, nil
	}

	attempts := rec.Attempts + 1
	if attempts >= e.policy.MaxAttempts {
		if err := e.store.Delete(ctx, key); err != nil {
			return Result{}, fmt.Errorf("challenge: drop exhausted record: %w", err)
		}
		if err := e.gate.Ban(ctx, userID, e.policy.BanDays); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeBanned}, nil
	}

	question, newAnswer, options := e.generate()
	rec.Answer = newAnswer
	rec.Attempts = attempts
	value, err := json.Marshal(rec)
	if err != nil {
		return Result{}, fmt.Errorf("challenge: encode record: %w", err)
	}
	err = e.store.CheckAndPut(ctx, key, value, entry.Version, kvstore.PutOptions{TTL: e.policy.CaptchaTTL})
	if errors.Is(err, kvstore.ErrVersionConflict) {
		return Result{Outcome: OutcomeStale}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("challenge: update record: %w", err)
	}
	return Result{
		Outcome:   OutcomeRetry,
		Next:      &Challenge{Question: question, Options: options, CaptchaID: rec.CaptchaID},
		Remaining: e.policy.MaxAttempts - attempts,
	}, nil
}
