package query

// AccountResponse is one ledger account with values derived at the mark price.
type AccountResponse struct {
	Index            int    `json:"index"`
	Kind             string `json:"kind"`
	Owner            string `json:"owner,omitempty"`
	Authority        string `json:"authority,omitempty"`
	MatcherContext   uint64 `json:"matcher_context"`
	PositionSize     int64  `json:"position_size"`
	EntryNotional    int64  `json:"entry_notional"`
	ReferencePrice   uint64 `json:"reference_price"`
	Capital          int64  `json:"capital"`
	PnL              int64  `json:"pnl"`
	PositionPnL      int64  `json:"position_pnl"`
	FeeDebt          int64  `json:"fee_debt"`
	CounterpartyLP   int    `json:"counterparty_lp"`
	WarmupStartSlot  uint64 `json:"warmup_start_slot"`
	LastActiveSlot   uint64 `json:"last_active_slot"`
	LiquidationState string `json:"liquidation_state"`

	// Derived at query time from the last crank price; zero before any price
	MarkPrice     uint64 `json:"mark_price"`
	UnrealizedPnL int64  `json:"unrealized_pnl"`
	Equity        int64  `json:"equity"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarginInfo contains derived margin metrics for one account
type MarginInfo struct {
	Index     int    `json:"index"`
	MarkPrice uint64 `json:"mark_price"`

	Notional    int64 `json:"notional"`
	Equity      int64 `json:"equity"`
	Maintenance int64 `json:"maintenance"` // notional * mm_bps / 10_000
	Initial     int64 `json:"initial"`     // notional * im_bps / 10_000

	Status         string `json:"status"`
	IsLiquidatable bool   `json:"is_liquidatable"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// TotalsResponse carries the engine aggregates. Wide values are decimal strings.
type TotalsResponse struct {
	Vault         string `json:"vault"`
	CTot          string `json:"c_tot"`
	FeeReserve    string `json:"fee_reserve"`
	BadDebt       string `json:"bad_debt"`
	OpenInterest  int64  `json:"open_interest"`
	NumAccounts   int    `json:"num_accounts"`
	LastSlot      uint64 `json:"last_slot"`
	LastCrankSlot uint64 `json:"last_crank_slot"`
	MarkPrice     uint64 `json:"mark_price"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// CrankActionResponse is one liquidation or force close.
type CrankActionResponse struct {
	Sequence      int64  `json:"sequence"`
	ActionType    string `json:"action_type"`
	AccountIndex  int    `json:"account_index"`
	AccountKind   string `json:"account_kind"`
	State         string `json:"state"`
	Slot          uint64 `json:"slot"`
	OraclePrice   uint64 `json:"oracle_price"`
	InitialSize   int64  `json:"initial_size"`
	FilledSize    int64  `json:"filled_size"`
	RemainingSize int64  `json:"remaining_size"`
	Fee           int64  `json:"fee"`
	Deficit       int64  `json:"deficit"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	EventSequence int64  `json:"event_sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Slot          uint64 `json:"slot"`
}

// EventLogInfo summarises the durable command log.
type EventLogInfo struct {
	LastSequence      int64 `json:"last_sequence"`
	ProjectedSequence int64 `json:"projected_sequence"`
	ProjectionGaps    int64 `json:"projection_gaps"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool              `json:"is_healthy"`
	HashChainBreaks   []int64           `json:"hash_chain_breaks,omitempty"`
	CapitalMismatches []CapitalMismatch `json:"capital_mismatches,omitempty"`

	// Lagging is set when the read model and the durable log are at different
	// sequences; capital is only compared when they agree.
	Lagging bool `json:"lagging,omitempty"`
}

// CapitalMismatch is an account whose journaled balance differs from its
// projected capital.
type CapitalMismatch struct {
	Index     int   `json:"index"`
	Journaled int64 `json:"journaled"`
	Projected int64 `json:"projected"`
}
