package identity

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// walletConsentPrefix domain-separates wallet consent digests from any
// other message a key might be asked to sign.
const walletConsentPrefix = "bountyd-wallet-consent-v1:"

// WalletConsentDigest is the message the new wallet's key must sign to
// authorize becoming an agent's payout destination. It binds the agent
// id, the wallet address, and the authorization expiry.
func WalletConsentDigest(agentID uint64, wallet common.Address, expiry time.Time) []byte {
	buf := make([]byte, 0, len(walletConsentPrefix)+8+common.AddressLength+8)
	buf = append(buf, walletConsentPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, agentID)
	buf = append(buf, wallet.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiry.Unix()))
	return crypto.Keccak256(buf)
}

// VerifyWalletConsent checks that proof is a valid secp256k1 signature
// over the consent digest recovering to the wallet address itself.
func VerifyWalletConsent(agentID uint64, wallet common.Address, expiry time.Time, proof []byte) error {
	if len(proof) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidAuthorization, crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(WalletConsentDigest(agentID, wallet, expiry), proof)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	if crypto.PubkeyToAddress(*pub) != wallet {
		return ErrInvalidAuthorization
	}
	return nil
}
