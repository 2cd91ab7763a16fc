// Package ledger is the single authority for item ownership and currency
// balances. Every read-modify-write of that state goes through one Tx.
package ledger

import (
	"context"
	"strings"
	"time"
)

// Holder ids that are not participants.
const (
	HousePrefix  = "system:"
	EscrowPrefix = "escrow:"

	House = HousePrefix + "house"
)

// EscrowHolder is the holder id that owns a wager's stakes.
func EscrowHolder(wagerID string) string { return EscrowPrefix + wagerID }

// IsParticipant reports whether id names a chat participant rather than a
// system or escrow holder.
func IsParticipant(id string) bool {
	return id != "" && !strings.HasPrefix(id, HousePrefix) && !strings.HasPrefix(id, EscrowPrefix)
}

type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

type ItemInstance struct {
	ID           int64     `json:"id"`
	DefinitionID string    `json:"definition_id"`
	Owner        string    `json:"owner"`
	SpecialID    string    `json:"special_id,omitempty"`
	Attack       int       `json:"attack"`
	Health       int       `json:"health"`
	Source       string    `json:"source"`
	Channel      string    `json:"channel,omitempty"`
	CaughtAt     time.Time `json:"caught_at"`
	// TradeLock holds the id of the trade session reserving the item.
	TradeLock string `json:"trade_lock,omitempty"`
}

func (it ItemInstance) Locked() bool { return it.TradeLock != "" }

const (
	SourceSpawn = "spawn"
	SourcePack  = "pack"
)

// ClaimToken is the per-spawn single-winner token.
type ClaimToken struct {
	SpawnID   string    `json:"spawn_id"`
	AttemptID string    `json:"attempt_id"`
	Winner    string    `json:"winner"`
	ItemID    int64     `json:"item_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Stake is what one participant put into a wager.
type Stake struct {
	Participant string  `json:"participant"`
	Items       []int64 `json:"items,omitempty"`
	Coins       int64   `json:"coins,omitempty"`
	Outcome     string  `json:"outcome"`
}

// EscrowRecord persists an open wager so stakes can be refunded after a
// restart.
type EscrowRecord struct {
	ID        string    `json:"id"`
	Payout    string    `json:"payout"`
	Stakes    []Stake   `json:"stakes"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

type PackOpen struct {
	AccountID string    `json:"account_id"`
	PackID    string    `json:"pack_id"`
	OpenedAt  time.Time `json:"opened_at"`
	ItemID    int64     `json:"item_id"`
}

// Tx is one atomic unit of work. Nothing written through a Tx is visible to
// other transactions until Commit succeeds.
type Tx interface {
	// Account returns the account, or a zero-balance account if it has never
	// been written.
	Account(id string) (Account, error)
	// AdjustBalance adds delta and returns the new balance. It fails with
	// INSUFFICIENT_FUNDS if the balance would go negative.
	AdjustBalance(id string, delta int64) (int64, error)
	SetBalance(id string, balance int64) error
	// Accounts lists accounts ordered by balance descending; limit <= 0 means all.
	Accounts(limit int) ([]Account, error)

	Item(id int64) (ItemInstance, error)
	ItemsOwnedBy(owner string) ([]ItemInstance, error)
	Items() ([]ItemInstance, error)
	// MintItem assigns a fresh id and stores the instance.
	MintItem(it ItemInstance) (ItemInstance, error)
	SetOwner(itemID int64, owner string) error
	SetTradeLock(itemID int64, holder string) error
	// ClearTradeLocks releases every trade lock and returns how many were held.
	ClearTradeLocks() (int, error)

	ClaimToken(spawnID string) (ClaimToken, bool, error)
	PutClaimToken(tok ClaimToken) error

	Escrow(id string) (EscrowRecord, bool, error)
	Escrows() ([]EscrowRecord, error)
	PutEscrow(rec EscrowRecord) error
	DeleteEscrow(id string) error

	PackCount(accountID, packID string) (int, error)
	// AdjustPacks fails with INSUFFICIENT_FUNDS if the count would go negative.
	AdjustPacks(accountID, packID string, delta int) (int, error)
	PackInventory(accountID string) (map[string]int, error)
	PackOpensSince(accountID, packID string, since time.Time) (int, error)
	RecordPackOpen(o PackOpen) error

	Commit() error
	Rollback() error
}

// Store hands out transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}
