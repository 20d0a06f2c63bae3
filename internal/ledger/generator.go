package ledger

import (
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace roots the deterministic batch IDs. Replaying the same
// operations yields the same batch and journal IDs.
var batchNamespace = uuid.MustParse("6f1c2a8e-3b7d-5c0e-9a4f-52e1d0b7c913")

// Entry is an unsealed journal leg collected while an operation is staged
type Entry struct {
	Debit  AccountKey
	Credit AccountKey
	Amount int64
	Type   JournalType
}

// Entries accumulates the legs of one staged operation.
// Zero amounts are dropped; negative amounts reverse the direction.
type Entries []Entry

func (e *Entries) add(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		debit, credit, amount = credit, debit, -amount
	}
	*e = append(*e, Entry{Debit: debit, Credit: credit, Amount: amount, Type: jt})
}

// Deposit moves funds: external:deposits → account:capital
func (e *Entries) Deposit(index int, amount int64) {
	e.add(CapitalKey(index), ExternalDepositsKey, amount, JournalTypeDeposit)
}

// Transfer moves capital between two engine accounts: from → to
func (e *Entries) Transfer(from, to int, amount int64, jt JournalType) {
	e.add(CapitalKey(to), CapitalKey(from), amount, jt)
}

// Sweep moves capital out of custody: account:capital → system:fee_reserve
func (e *Entries) Sweep(index int, amount int64, jt JournalType) {
	e.add(FeeReserveKey, CapitalKey(index), amount, jt)
}

// JournalGenerator seals staged entries into batches with deterministic IDs
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// Seal turns the entries of one operation into a batch and advances the
// operation sequence. An operation that moved no funds still consumes a
// sequence and returns an empty batch.
func (jg *JournalGenerator) Seal(entries Entries, eventRef string, slot uint64) *Batch {
	batchID := uuid.NewSHA1(batchNamespace, []byte(strconv.FormatInt(jg.sequence, 10)))

	batch := &Batch{
		BatchID:  batchID,
		EventRef: eventRef,
		Sequence: jg.sequence,
		Slot:     slot,
		Journals: make([]Journal, 0, len(entries)),
	}

	for i, entry := range entries {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte(strconv.Itoa(i))),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  entry.Debit,
			CreditAccount: entry.Credit,
			Amount:        entry.Amount,
			JournalType:   entry.Type,
			Slot:          slot,
		})
	}

	jg.sequence++
	return batch
}

// Sequence returns the next operation sequence
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}
