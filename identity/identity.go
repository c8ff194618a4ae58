// Package identity implements the agent identity directory: who owns
// an agent record, where it gets paid, and its open-ended metadata.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/fault"
)

// ReservedWalletKey is the metadata key that cannot be written through
// the generic metadata path. The wallet pointer changes only through
// the dedicated, signature-authenticated SetWallet operation.
const ReservedWalletKey = "wallet"

// Named failure conditions. Each wraps a taxonomy sentinel from the
// fault package so errors.Is matches both levels.
var (
	ErrMetadataKeyReserved  = fmt.Errorf("%w: metadata key %q is reserved", fault.ErrValidation, ReservedWalletKey)
	ErrExpiredAuthorization = fmt.Errorf("%w: wallet authorization expired", fault.ErrTiming)
	ErrInvalidAuthorization = fmt.Errorf("%w: wallet consent proof invalid", fault.ErrUnauthorized)
	ErrAgentNotFound        = fmt.Errorf("%w: agent", fault.ErrNotFound)
	ErrNotOwner             = fmt.Errorf("%w: caller does not own agent", fault.ErrUnauthorized)
)

// Agent is one registered participant. Records are never deleted;
// deactivation flips Active but keeps the row for auditability.
type Agent struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	Wallet    common.Address `json:"wallet"` // zero address = unbound
	URI       string         `json:"uri,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
}

// HasWallet reports whether a payable wallet is currently bound.
func (a *Agent) HasWallet() bool {
	return a.Wallet != (common.Address{})
}

// Store persists agent records and their metadata. Implementations
// must assign strictly monotonic ids and never reuse one.
type Store interface {
	// CreateAgent persists a new agent together with its initial
	// metadata and returns the assigned id. The write is atomic: either
	// the agent and all metadata land, or nothing does.
	CreateAgent(ctx context.Context, a *Agent, metadata map[string][]byte) (uint64, error)

	// GetAgent retrieves an agent by id, or ErrAgentNotFound.
	GetAgent(ctx context.Context, id uint64) (*Agent, error)

	// UpdateAgent saves owner, wallet, and active changes.
	UpdateAgent(ctx context.Context, a *Agent) error

	// PutMetadata sets one metadata key.
	PutMetadata(ctx context.Context, id uint64, key string, value []byte) error

	// GetMetadata returns the value for key, or nil if unset.
	GetMetadata(ctx context.Context, id uint64, key string) ([]byte, error)

	// AllMetadata returns every metadata entry for the agent.
	AllMetadata(ctx context.Context, id uint64) (map[string][]byte, error)
}
