package crank

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Uttam-Singhh/TikShot/internal/attest"
	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

var testNow = time.Unix(1_700_000_000, 0)

type fakeProgram struct {
	game      *tikshot.Game
	rounds    map[uint64]*tikshot.Round
	delegated map[uint64]bool
	calls     []string

	lockErr   error
	lockFails int
}

func newFakeProgram() *fakeProgram {
	return &fakeProgram{
		rounds:    map[uint64]*tikshot.Round{},
		delegated: map[uint64]bool{},
	}
}

func (f *fakeProgram) InitGame(ctx context.Context, feeBps uint16) (solana.Signature, error) {
	f.calls = append(f.calls, "init_game")
	f.game = &tikshot.Game{FeeBps: feeBps}
	return solana.Signature{1}, nil
}

func (f *fakeProgram) FetchGame(ctx context.Context, endpoint tikshot.Endpoint) (*tikshot.Game, error) {
	if f.game == nil {
		return nil, tikshot.ErrAccountNotFound
	}
	game := *f.game
	return &game, nil
}

func (f *fakeProgram) FetchRound(ctx context.Context, endpoint tikshot.Endpoint, roundID uint64) (*tikshot.Round, error) {
	round, ok := f.rounds[roundID]
	if !ok {
		return nil, tikshot.ErrAccountNotFound
	}
	if endpoint == tikshot.EndpointEphemeral && !f.delegated[roundID] {
		return nil, tikshot.ErrAccountNotFound
	}
	copied := *round
	return &copied, nil
}

func (f *fakeProgram) StartRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error) {
	f.calls = append(f.calls, "start_round")
	if roundID != f.game.RoundCount {
		return solana.Signature{}, errors.New("round id does not match round count")
	}
	f.rounds[roundID] = &tikshot.Round{
		RoundID:    roundID,
		StartTs:    testNow.Unix(),
		LockTs:     testNow.Add(115 * time.Second).Unix(),
		EndTs:      testNow.Add(120 * time.Second).Unix(),
		StartPrice: 100,
		Status:     tikshot.RoundStatus_Open,
	}
	f.game.RoundCount++
	return solana.Signature{2}, nil
}

func (f *fakeProgram) LockRound(ctx context.Context, endpoint tikshot.Endpoint, roundID uint64) (solana.Signature, error) {
	f.calls = append(f.calls, "lock_round:"+endpoint.String())
	if f.lockFails > 0 {
		f.lockFails--
		return solana.Signature{}, f.lockErr
	}
	round := f.rounds[roundID]
	if round.Status != tikshot.RoundStatus_Open {
		return solana.Signature{}, errors.New("round not open")
	}
	round.Status = tikshot.RoundStatus_Locked
	return solana.Signature{3}, nil
}

func (f *fakeProgram) SettleRound(ctx context.Context, roundID uint64, priceUpdate solana.PublicKey, budget tikshot.ComputeBudget) (solana.Signature, error) {
	f.calls = append(f.calls, "settle_round")
	round := f.rounds[roundID]
	if round.Status != tikshot.RoundStatus_Locked {
		return solana.Signature{}, errors.New("round not locked")
	}
	if f.delegated[roundID] {
		return solana.Signature{}, errors.New("round still delegated")
	}
	round.Status = tikshot.RoundStatus_Settled
	round.EndPrice = 101
	round.Result = tikshot.ResultFor(round.StartPrice, round.EndPrice)
	return solana.Signature{4}, nil
}

type fakeDelegation struct {
	program *fakeProgram
}

func (d fakeDelegation) Delegate(ctx context.Context, roundID uint64) (solana.Signature, error) {
	d.program.calls = append(d.program.calls, "delegate")
	d.program.delegated[roundID] = true
	return solana.Signature{5}, nil
}

func (d fakeDelegation) Commit(ctx context.Context, roundID uint64) (solana.Signature, error) {
	d.program.calls = append(d.program.calls, "commit")
	d.program.delegated[roundID] = false
	return solana.Signature{6}, nil
}

func (d fakeDelegation) IsDelegated(ctx context.Context, roundID uint64) (bool, error) {
	return d.program.delegated[roundID], nil
}

type fakePoster struct {
	labels []string
}

func (p *fakePoster) PostAndExecute(ctx context.Context, label string, consume attest.ConsumeFunc) (*attest.Result, error) {
	p.labels = append(p.labels, label)
	sig, err := consume(ctx, solana.PublicKey{9}, attest.DefaultConsumeBudget)
	if err != nil {
		return nil, err
	}
	return &attest.Result{PriceUpdate: solana.PublicKey{9}, ConsumeSignature: sig}, nil
}

type recordingPublisher struct {
	settled []uint64
}

func (p *recordingPublisher) PublishRoundSettled(ctx context.Context, round *tikshot.Round) error {
	p.settled = append(p.settled, round.RoundID)
	return nil
}

type harness struct {
	program   *fakeProgram
	poster    *fakePoster
	publisher *recordingPublisher
	phases    []Phase
	sleeps    []time.Duration
	service   *Service
}

func newHarness(t *testing.T, program *fakeProgram) *harness {
	t.Helper()
	h := &harness{program: program, poster: &fakePoster{}, publisher: &recordingPublisher{}}
	svc, err := New(testConfig(), Deps{
		Program:    program,
		Delegation: fakeDelegation{program: program},
		Poster:     h.poster,
		Publisher:  h.publisher,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
		Now:     func() time.Time { return testNow },
		OnPhase: func(phase Phase, roundID uint64) { h.phases = append(h.phases, phase) },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.service = svc
	return h
}

func testConfig() config.CrankConfig {
	return config.CrankConfig{
		FeeBps:        100,
		BettingWindow: 115 * time.Second,
		LockDuration:  5 * time.Second,
		CommitWait:    2 * time.Second,
		ErrorBackoff:  time.Second,
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunOnceFullCycle(t *testing.T) {
	program := newFakeProgram()
	program.game = &tikshot.Game{FeeBps: 100}
	h := newHarness(t, program)

	if err := h.service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	wantCalls := []string{"start_round", "delegate", "lock_round:ephemeral", "commit", "settle_round"}
	if !equalStrings(program.calls, wantCalls) {
		t.Fatalf("unexpected calls: got %v want %v", program.calls, wantCalls)
	}
	wantPhases := []Phase{PhaseIdle, PhaseStarting, PhaseOpenDelegated, PhaseLocking, PhaseLockedCommitting, PhaseSettling, PhaseSettled}
	if len(h.phases) != len(wantPhases) {
		t.Fatalf("unexpected phases: %v", h.phases)
	}
	for i := range wantPhases {
		if h.phases[i] != wantPhases[i] {
			t.Fatalf("phase %d: got %s want %s", i, h.phases[i], wantPhases[i])
		}
		if i > 0 && !h.phases[i-1].CanTransition(h.phases[i]) {
			t.Fatalf("invalid transition %s -> %s", h.phases[i-1], h.phases[i])
		}
	}
	wantSleeps := []time.Duration{115 * time.Second, 5 * time.Second, 2 * time.Second}
	if len(h.sleeps) != len(wantSleeps) {
		t.Fatalf("unexpected sleeps: %v", h.sleeps)
	}
	for i := range wantSleeps {
		if h.sleeps[i] != wantSleeps[i] {
			t.Fatalf("sleep %d: got %s want %s", i, h.sleeps[i], wantSleeps[i])
		}
	}
	if !equalStrings(h.poster.labels, []string{"start_round", "settle_round"}) {
		t.Fatalf("unexpected poster labels: %v", h.poster.labels)
	}
	if program.rounds[0].Status != tikshot.RoundStatus_Settled {
		t.Fatalf("round 0 not settled: %s", program.rounds[0].Status)
	}
	if len(h.publisher.settled) != 1 || h.publisher.settled[0] != 0 {
		t.Fatalf("unexpected published rounds: %v", h.publisher.settled)
	}
}

func TestRunOnceInitializesMissingGame(t *testing.T) {
	program := newFakeProgram()
	h := newHarness(t, program)

	if err := h.service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if program.calls[0] != "init_game" {
		t.Fatalf("expected init_game first, got %v", program.calls)
	}
	if program.game.FeeBps != 100 {
		t.Fatalf("unexpected fee bps: %d", program.game.FeeBps)
	}
	if program.game.RoundCount != 1 {
		t.Fatalf("expected one round, got %d", program.game.RoundCount)
	}
}

func TestSettledRoundLeadsToNextID(t *testing.T) {
	program := newFakeProgram()
	program.game = &tikshot.Game{FeeBps: 100}
	h := newHarness(t, program)

	for i := 0; i < 2; i++ {
		if err := h.service.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once %d: %v", i, err)
		}
	}
	if program.game.RoundCount != 2 {
		t.Fatalf("expected round count 2, got %d", program.game.RoundCount)
	}
	for id := uint64(0); id < 2; id++ {
		if program.rounds[id].Status != tikshot.RoundStatus_Settled {
			t.Fatalf("round %d not settled", id)
		}
	}
	if len(h.publisher.settled) != 2 || h.publisher.settled[1] != 1 {
		t.Fatalf("unexpected published rounds: %v", h.publisher.settled)
	}
}

// A crash after start_round landed but before delegation leaves an open,
// undelegated round behind. The restart must finish that round instead of
// starting a new one, and must not touch rounds that are already settled.
func TestRestartResumesRoundStartedBeforeCrash(t *testing.T) {
	program := newFakeProgram()
	program.game = &tikshot.Game{FeeBps: 100, RoundCount: 4}
	program.rounds[2] = &tikshot.Round{RoundID: 2, Status: tikshot.RoundStatus_Settled, Result: tikshot.RoundResult_Up}
	program.rounds[3] = &tikshot.Round{
		RoundID:    3,
		StartTs:    testNow.Add(-15 * time.Second).Unix(),
		LockTs:     testNow.Add(100 * time.Second).Unix(),
		StartPrice: 100,
		Status:     tikshot.RoundStatus_Open,
	}
	h := newHarness(t, program)

	if err := h.service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	wantCalls := []string{"delegate", "lock_round:ephemeral", "commit", "settle_round"}
	if !equalStrings(program.calls, wantCalls) {
		t.Fatalf("unexpected calls: got %v want %v", program.calls, wantCalls)
	}
	if program.game.RoundCount != 4 {
		t.Fatalf("round count changed during recovery: %d", program.game.RoundCount)
	}
	if h.sleeps[0] != 100*time.Second {
		t.Fatalf("expected remaining window 100s, got %s", h.sleeps[0])
	}
	if program.rounds[3].Status != tikshot.RoundStatus_Settled {
		t.Fatalf("round 3 not settled")
	}

	program.calls = nil
	if err := h.service.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run once: %v", err)
	}
	if program.calls[0] != "start_round" || program.game.RoundCount != 5 {
		t.Fatalf("expected fresh round 4 after recovery, calls %v count %d", program.calls, program.game.RoundCount)
	}
}

func TestRestartCases(t *testing.T) {
	cases := []struct {
		name      string
		round     tikshot.Round
		delegated bool
		wantCalls []string
	}{
		{
			name:      "open past lock time locks on base",
			round:     tikshot.Round{RoundID: 0, LockTs: testNow.Add(-time.Second).Unix(), Status: tikshot.RoundStatus_Open},
			wantCalls: []string{"lock_round:base", "settle_round"},
		},
		{
			name:      "delegated open round locks on ephemeral",
			round:     tikshot.Round{RoundID: 0, LockTs: testNow.Add(-time.Second).Unix(), Status: tikshot.RoundStatus_Open},
			delegated: true,
			wantCalls: []string{"lock_round:ephemeral", "commit", "settle_round"},
		},
		{
			name:      "locked delegated round commits",
			round:     tikshot.Round{RoundID: 0, Status: tikshot.RoundStatus_Locked},
			delegated: true,
			wantCalls: []string{"commit", "settle_round"},
		},
		{
			name:      "locked committed round settles",
			round:     tikshot.Round{RoundID: 0, Status: tikshot.RoundStatus_Locked},
			wantCalls: []string{"settle_round"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			program := newFakeProgram()
			program.game = &tikshot.Game{RoundCount: 1}
			round := tc.round
			program.rounds[0] = &round
			program.delegated[0] = tc.delegated
			h := newHarness(t, program)

			if err := h.service.RunOnce(context.Background()); err != nil {
				t.Fatalf("run once: %v", err)
			}
			if !equalStrings(program.calls, tc.wantCalls) {
				t.Fatalf("unexpected calls: got %v want %v", program.calls, tc.wantCalls)
			}
			if program.rounds[0].Status != tikshot.RoundStatus_Settled {
				t.Fatalf("round not settled: %s", program.rounds[0].Status)
			}
		})
	}
}

func TestRunRestartsFromIdleAfterFailure(t *testing.T) {
	program := newFakeProgram()
	program.game = &tikshot.Game{FeeBps: 100}
	program.lockErr = tikshot.ErrSubmissionFailed
	program.lockFails = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, program)
	h.service.publisher = cancelOnSettle{cancel: cancel}

	if err := h.service.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantCalls := []string{
		"start_round", "delegate", "lock_round:ephemeral",
		"lock_round:ephemeral", "commit", "settle_round",
	}
	if !equalStrings(program.calls, wantCalls) {
		t.Fatalf("unexpected calls: got %v want %v", program.calls, wantCalls)
	}
	if program.game.RoundCount != 1 {
		t.Fatalf("failed iteration must not start a second round, count %d", program.game.RoundCount)
	}
	sawBackoff := false
	for _, d := range h.sleeps {
		if d == time.Second {
			sawBackoff = true
		}
	}
	if !sawBackoff {
		t.Fatalf("expected error backoff sleep, got %v", h.sleeps)
	}
}

type cancelOnSettle struct {
	cancel context.CancelFunc
}

func (c cancelOnSettle) PublishRoundSettled(ctx context.Context, round *tikshot.Round) error {
	c.cancel()
	return nil
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(testConfig(), Deps{}, nil); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestRoundAtRoundCount(t *testing.T) {
	t.Run("unsettled round is resumed", func(t *testing.T) {
		program := newFakeProgram()
		program.game = &tikshot.Game{RoundCount: 1}
		program.rounds[0] = &tikshot.Round{RoundID: 0, Status: tikshot.RoundStatus_Settled}
		program.rounds[1] = &tikshot.Round{RoundID: 1, Status: tikshot.RoundStatus_Locked}
		h := newHarness(t, program)

		if err := h.service.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
		if !equalStrings(program.calls, []string{"settle_round"}) {
			t.Fatalf("unexpected calls: %v", program.calls)
		}
	})

	t.Run("settled round is not settled again", func(t *testing.T) {
		program := newFakeProgram()
		program.game = &tikshot.Game{RoundCount: 1}
		program.rounds[0] = &tikshot.Round{RoundID: 0, Status: tikshot.RoundStatus_Settled}
		program.rounds[1] = &tikshot.Round{RoundID: 1, Status: tikshot.RoundStatus_Settled}
		h := newHarness(t, program)

		err := h.service.RunOnce(context.Background())
		if !errors.Is(err, ErrRoundCountStale) {
			t.Fatalf("expected ErrRoundCountStale, got %v", err)
		}
		if len(program.calls) != 0 || len(h.poster.labels) != 0 {
			t.Fatalf("no transaction expected, calls %v posts %v", program.calls, h.poster.labels)
		}
	})
}
