package state_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"PerpRisk/internal/state"

	"github.com/holiman/uint256"
)

// ============================================================================
// Test: RiskParams
// ============================================================================

func TestDefaultRiskParams_Valid(t *testing.T) {
	params := state.DefaultRiskParams()
	if err := state.ValidateRiskParams(&params); err != nil {
		t.Fatalf("default params should be valid: %v", err)
	}
}

func TestValidateRiskParams_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *state.RiskParams)
		want   string
	}{
		{"zero mm", func(p *state.RiskParams) { p.MaintenanceMarginBps = 0 }, "maintenance_margin_bps"},
		{"im below mm", func(p *state.RiskParams) { p.InitialMarginBps = 400 }, "initial_margin_bps"},
		{"im above 100%", func(p *state.RiskParams) { p.InitialMarginBps = 10_001 }, "initial_margin_bps"},
		{"trading fee above 100%", func(p *state.RiskParams) { p.TradingFeeBps = 10_001 }, "trading_fee_bps"},
		{"zero max accounts", func(p *state.RiskParams) { p.MaxAccounts = 0 }, "max_accounts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := state.DefaultRiskParams()
			tt.mutate(&params)
			err := state.ValidateRiskParams(&params)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadRiskParams_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.toml")
	body := "maintenance_margin_bps = 300\ninitial_margin_bps = 600\nwarmup_period_slots = 25\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	params, err := state.LoadRiskParams(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if params.MaintenanceMarginBps != 300 || params.InitialMarginBps != 600 {
		t.Errorf("margins: got mm=%d im=%d", params.MaintenanceMarginBps, params.InitialMarginBps)
	}
	if params.WarmupPeriodSlots != 25 {
		t.Errorf("warmup: got %d, want 25", params.WarmupPeriodSlots)
	}
	// Untouched keys keep defaults
	if params.TradingFeeBps != state.DefaultRiskParams().TradingFeeBps {
		t.Errorf("trading fee should keep default, got %d", params.TradingFeeBps)
	}
}

func TestLoadRiskParams_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.toml")
	if err := os.WriteFile(path, []byte("initial_margin_bps = 100\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := state.LoadRiskParams(path); err == nil {
		t.Fatal("im below mm should be rejected")
	}
}

func TestLoadRiskParams_MissingFile(t *testing.T) {
	if _, err := state.LoadRiskParams(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("missing file should error")
	}
}

// ============================================================================
// Test: Account valuation
// ============================================================================

func TestAccount_EquityIncludesUnrealized(t *testing.T) {
	acct := &state.Account{
		PositionSize:  5_000_000,
		EntryNotional: 5_000_000, // anchored at 1.0
		Capital:       995_000,
		PnL:           -5_000,
	}

	unrealized, err := acct.UnrealizedPnL(1_300_000)
	if err != nil {
		t.Fatalf("unrealized: %v", err)
	}
	if unrealized != 1_500_000 {
		t.Errorf("unrealized: got %d, want 1500000", unrealized)
	}

	equity, err := acct.Equity(1_300_000)
	if err != nil {
		t.Fatalf("equity: %v", err)
	}
	if equity != 995_000-5_000+1_500_000 {
		t.Errorf("equity: got %d", equity)
	}

	if ref := acct.ReferencePrice(); ref != 1_000_000 {
		t.Errorf("reference price: got %d, want 1000000", ref)
	}
}

func TestAccount_CanonicalBytesDeterministic(t *testing.T) {
	a := &state.Account{Index: 3, Kind: state.AccountKindLP, Capital: 42, CounterpartyLP: state.NoCounterparty}
	b := a.Clone()
	if string(a.CanonicalBytes()) != string(b.CanonicalBytes()) {
		t.Fatal("clone should serialize identically")
	}
	b.Capital++
	if string(a.CanonicalBytes()) == string(b.CanonicalBytes()) {
		t.Fatal("different capital should serialize differently")
	}
}

// ============================================================================
// Test: Position changes
// ============================================================================

func TestClassifyFill(t *testing.T) {
	tests := []struct {
		current, delta int64
		want           state.FillKind
	}{
		{0, 0, state.FillKindNone},
		{0, 5, state.FillKindOpen},
		{0, -5, state.FillKindOpen},
		{5, 3, state.FillKindIncrease},
		{-5, -3, state.FillKindIncrease},
		{5, -3, state.FillKindReduce},
		{5, -5, state.FillKindClose},
		{5, -8, state.FillKindFlip},
		{-5, 8, state.FillKindFlip},
	}

	for _, tt := range tests {
		got := state.ClassifyFill(tt.current, tt.delta)
		if got != tt.want {
			t.Errorf("ClassifyFill(%d, %d): got %s, want %s", tt.current, tt.delta, got, tt.want)
		}
	}
}

func TestApplyPositionDelta_ReanchorsAndResets(t *testing.T) {
	acct := &state.Account{PositionSize: 2_000_000, EntryNotional: 2_000_000, PositionPnL: 700}

	kind, entryDelta, err := state.ApplyPositionDelta(acct, -3_000_000, 1_200_000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if kind != state.FillKindFlip {
		t.Errorf("kind: got %s, want Flip", kind)
	}
	if acct.PositionSize != -1_000_000 {
		t.Errorf("size: got %d", acct.PositionSize)
	}
	if acct.EntryNotional != -1_200_000 {
		t.Errorf("entry notional: got %d, want -1200000", acct.EntryNotional)
	}
	if entryDelta != -3_200_000 {
		t.Errorf("entry delta: got %d, want -3200000", entryDelta)
	}
	if acct.OpenInterest != 1_000_000 {
		t.Errorf("open interest: got %d", acct.OpenInterest)
	}
	if acct.PositionPnL != 0 {
		t.Errorf("flip should reset position pnl, got %d", acct.PositionPnL)
	}
}

func TestApplyPositionDelta_IncreaseKeepsPositionPnL(t *testing.T) {
	acct := &state.Account{PositionSize: 1_000_000, EntryNotional: 1_000_000, PositionPnL: 50}
	if _, _, err := state.ApplyPositionDelta(acct, 1_000_000, 1_000_000); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if acct.PositionPnL != 50 {
		t.Errorf("increase should keep position pnl, got %d", acct.PositionPnL)
	}
}

func TestReanchor(t *testing.T) {
	acct := &state.Account{PositionSize: -3_000_000, EntryNotional: -3_000_000}
	mark, err := state.Reanchor(acct, 1_300_000)
	if err != nil {
		t.Fatalf("reanchor: %v", err)
	}
	if mark != -900_000 {
		t.Errorf("mark: got %d, want -900000", mark)
	}
	if acct.EntryNotional != -3_900_000 {
		t.Errorf("entry notional: got %d", acct.EntryNotional)
	}
}

func TestSplitPayment(t *testing.T) {
	tests := []struct {
		available, owed, paid, remaining int64
	}{
		{100, 40, 40, 0},
		{100, 100, 100, 0},
		{30, 100, 30, 70},
		{0, 100, 0, 100},
		{100, 0, 0, 0},
	}
	for _, tt := range tests {
		paid, remaining := state.SplitPayment(tt.available, tt.owed)
		if paid != tt.paid || remaining != tt.remaining {
			t.Errorf("SplitPayment(%d, %d): got (%d, %d), want (%d, %d)",
				tt.available, tt.owed, paid, remaining, tt.paid, tt.remaining)
		}
	}
}

// ============================================================================
// Test: Margin
// ============================================================================

func TestComputeMargin_Status(t *testing.T) {
	params := state.DefaultRiskParams()

	flat := &state.Account{Capital: 10}
	m, err := state.ComputeMargin(flat, 1_000_000, &params)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if m.Status() != state.MarginStatusHealthy {
		t.Errorf("flat account should be healthy, got %s", m.Status())
	}

	acct := &state.Account{PositionSize: 4_000_000, EntryNotional: 4_000_000, Capital: 300_000}
	m, err = state.ComputeMargin(acct, 1_000_000, &params)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if m.Maintenance != 200_000 || m.Initial != 400_000 {
		t.Errorf("requirements: mm=%d im=%d", m.Maintenance, m.Initial)
	}
	if m.Status() != state.MarginStatusAtRisk {
		t.Errorf("got %s, want AtRisk", m.Status())
	}
	if m.MeetsInitial() {
		t.Error("300k should not cover 400k initial margin")
	}

	acct.Capital = 150_000
	m, _ = state.ComputeMargin(acct, 1_000_000, &params)
	if !m.IsLiquidatable(&params) {
		t.Error("150k equity against 200k maintenance should be liquidatable")
	}
}

func TestIsLiquidatable_DustSkipped(t *testing.T) {
	params := state.DefaultRiskParams()
	params.MinLiquidationAbs = 1_000

	acct := &state.Account{PositionSize: 500, EntryNotional: 500}
	m, err := state.ComputeMargin(acct, 1_000_000, &params)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if m.Status() != state.MarginStatusLiquidatable {
		t.Fatalf("zero-capital account should be below maintenance, got %s", m.Status())
	}
	if m.IsLiquidatable(&params) {
		t.Error("notional below min_liquidation_abs should not be liquidated")
	}
}

func TestPlanLiquidation_Partial(t *testing.T) {
	params := state.DefaultRiskParams()

	// Short 3M re-anchored at 1.3 after paying a 900k loss.
	acct := &state.Account{PositionSize: -3_000_000, EntryNotional: -3_900_000, Capital: 97_000}
	m, err := state.ComputeMargin(acct, 1_300_000, &params)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}

	plan, err := state.PlanLiquidation(acct, m, &params)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Full {
		t.Fatal("expected partial liquidation")
	}
	if plan.CloseSize != 1_916_085 {
		t.Errorf("close size: got %d, want 1916085", plan.CloseSize)
	}
}

func TestPlanLiquidation_FullWhenEquityExhausted(t *testing.T) {
	params := state.DefaultRiskParams()
	acct := &state.Account{PositionSize: 5_000_000, EntryNotional: 4_000_000, PnL: -5_000}
	m, _ := state.ComputeMargin(acct, 800_000, &params)

	plan, err := state.PlanLiquidation(acct, m, &params)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Full || plan.CloseSize != 5_000_000 {
		t.Errorf("expected full close of 5000000, got %+v", plan)
	}
}

func TestPlanLiquidation_FullWhenBufferNotAboveFee(t *testing.T) {
	params := state.DefaultRiskParams()
	params.LiquidationFeeBps = params.MaintenanceMarginBps + params.LiquidationBufferBps

	acct := &state.Account{PositionSize: 3_000_000, EntryNotional: 3_000_000, Capital: 100_000}
	m, _ := state.ComputeMargin(acct, 1_000_000, &params)

	plan, err := state.PlanLiquidation(acct, m, &params)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Full {
		t.Error("expected full close when buffered rate does not exceed fee rate")
	}
}

func TestLiquidationFee_Caps(t *testing.T) {
	params := state.DefaultRiskParams()

	fee, _ := state.LiquidationFee(2_000_000, 1_000_000, &params)
	if fee != 10_000 {
		t.Errorf("rate fee: got %d, want 10000", fee)
	}

	params.LiquidationFeeCap = 4_000
	fee, _ = state.LiquidationFee(2_000_000, 1_000_000, &params)
	if fee != 4_000 {
		t.Errorf("capped fee: got %d, want 4000", fee)
	}

	fee, _ = state.LiquidationFee(2_000_000, 1_500, &params)
	if fee != 1_500 {
		t.Errorf("capital-limited fee: got %d, want 1500", fee)
	}
}

func TestTradingFee(t *testing.T) {
	params := state.DefaultRiskParams()
	fee, err := state.TradingFee(-5_000_000, 1_000_000, &params)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee != 5_000 {
		t.Errorf("got %d, want 5000", fee)
	}
}

// ============================================================================
// Test: Signal handlers
// ============================================================================

func TestMaxPnLSignal(t *testing.T) {
	params := state.DefaultRiskParams()
	handler := &state.MaxPnLSignalHandler{}
	pnlCap := uint256.NewInt(1_100_000)

	trader := &state.Account{Kind: state.AccountKindTrader, PositionSize: 5_000_000, PositionPnL: 1_500_000}
	lp := &state.Account{Kind: state.AccountKindLP, PositionSize: -5_000_000, PositionPnL: 1_500_000}

	if !handler.Evaluate(trader, &state.SignalContext{Params: &params, PnLCap: pnlCap}) {
		t.Error("trader above cap should trigger")
	}
	if handler.Evaluate(lp, &state.SignalContext{Params: &params, PnLCap: pnlCap}) {
		t.Error("LP must never trigger")
	}
	if handler.Evaluate(trader, &state.SignalContext{Params: &params}) {
		t.Error("nil cap disables the signal")
	}

	trader.PositionPnL = -10
	if handler.Evaluate(trader, &state.SignalContext{Params: &params, PnLCap: uint256.NewInt(0)}) {
		t.Error("losing trader must never trigger")
	}
}

func TestPositionAction_Transitions(t *testing.T) {
	acct := &state.Account{Index: 1, PositionSize: 10}
	action := state.NewPositionAction(&state.LiquidationSignalHandler{}, acct, 5, 1_000_000)

	if action.State != state.ActionStateTriggered {
		t.Fatalf("new action should be Triggered, got %s", action.State)
	}
	if err := action.Transition(state.ActionStateCompleted); err != nil {
		t.Fatalf("Triggered -> Completed: %v", err)
	}
	if err := action.Transition(state.ActionStateDeficit); err != nil {
		t.Fatalf("Completed -> Deficit: %v", err)
	}
	if err := action.Transition(state.ActionStateTriggered); err == nil {
		t.Error("Deficit -> Triggered should be rejected")
	}
	if !action.IsTerminal() {
		t.Error("Deficit should be terminal")
	}
}
