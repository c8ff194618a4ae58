package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Directory exposes the identity operations with their authorization
// rules applied. It owns all writes to agent records; other components
// only read through it.
type Directory struct {
	store Store
	now   func() time.Time
}

// NewDirectory creates a Directory over the given store.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (d *Directory) SetClock(now func() time.Time) { d.now = now }

func reservedKey(key string) bool {
	return strings.EqualFold(strings.TrimSpace(key), ReservedWalletKey)
}

// Register creates a new agent owned by caller. The wallet defaults to
// the caller's address; initial metadata may not touch the reserved
// wallet key. Registration is irrevocable.
func (d *Directory) Register(ctx context.Context, caller common.Address, uri string, metadata map[string][]byte) (uint64, error) {
	for key := range metadata {
		if reservedKey(key) {
			return 0, ErrMetadataKeyReserved
		}
	}
	a := &Agent{
		Owner:     caller,
		Wallet:    caller,
		URI:       strings.TrimSpace(uri),
		Active:    true,
		CreatedAt: d.now().UTC(),
	}
	id, err := d.store.CreateAgent(ctx, a, metadata)
	if err != nil {
		return 0, fmt.Errorf("register agent: %w", err)
	}
	return id, nil
}

// SetMetadata writes one metadata key. Only the current owner may
// write, and the reserved wallet key is rejected.
func (d *Directory) SetMetadata(ctx context.Context, caller common.Address, agentID uint64, key string, value []byte) error {
	if reservedKey(key) {
		return ErrMetadataKeyReserved
	}
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	return d.store.PutMetadata(ctx, agentID, key, value)
}

// SetWallet rebinds the payable wallet. The caller must own the agent,
// the authorization must not have expired, and proof must be a
// signature by the new wallet's key over the consent digest, so the
// new wallet itself consents to receiving this agent's payouts. No history
// is retained beyond the current value.
func (d *Directory) SetWallet(ctx context.Context, caller common.Address, agentID uint64, wallet common.Address, expiry time.Time, proof []byte) error {
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	if d.now().After(expiry) {
		return ErrExpiredAuthorization
	}
	if err := VerifyWalletConsent(agentID, wallet, expiry, proof); err != nil {
		return err
	}
	a.Wallet = wallet
	return d.store.UpdateAgent(ctx, a)
}

// TransferOwner hands the agent to a new owning principal. The wallet
// pointer is cleared so payment rights never silently follow the
// record; the new owner must rebind explicitly via SetWallet.
func (d *Directory) TransferOwner(ctx context.Context, caller common.Address, agentID uint64, newOwner common.Address) error {
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	a.Owner = newOwner
	a.Wallet = common.Address{}
	return d.store.UpdateAgent(ctx, a)
}

// Deactivate marks the agent inactive. The record persists; reads keep
// working, but lifecycle guards reject inactive agents.
func (d *Directory) Deactivate(ctx context.Context, caller common.Address, agentID uint64) error {
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Owner != caller {
		return ErrNotOwner
	}
	a.Active = false
	return d.store.UpdateAgent(ctx, a)
}

// Get returns the agent record.
func (d *Directory) Get(ctx context.Context, agentID uint64) (*Agent, error) {
	return d.store.GetAgent(ctx, agentID)
}

// GetOwner returns the owning principal.
func (d *Directory) GetOwner(ctx context.Context, agentID uint64) (common.Address, error) {
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return common.Address{}, err
	}
	return a.Owner, nil
}

// GetWallet returns the bound wallet, or the zero address if unbound.
func (d *Directory) GetWallet(ctx context.Context, agentID uint64) (common.Address, error) {
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return common.Address{}, err
	}
	return a.Wallet, nil
}

// GetMetadata returns the metadata value for key. Unset keys yield an
// empty value, not an error.
func (d *Directory) GetMetadata(ctx context.Context, agentID uint64, key string) ([]byte, error) {
	if _, err := d.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	v, err := d.store.GetMetadata(ctx, agentID, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Profile returns the agent record together with all metadata.
func (d *Directory) Profile(ctx context.Context, agentID uint64) (*Agent, map[string][]byte, error) {
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	md, err := d.store.AllMetadata(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	return a, md, nil
}
