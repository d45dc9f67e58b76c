package vault

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/decred/dcrd/dcrec/edwards/v2"
)

// Program addresses of the on-chain vault and session-key programs.
const (
	DCAVaultProgramID   = "Df9BwQfySajVQgbJE4TXCHqy6UxCXKhEAUwXyw3TVK5a"
	SessionKeyProgramID = "SessioNXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX"
)

// pdaMarker domain-separates program derived addresses from ordinary
// ed25519 public keys during derivation.
const pdaMarker = "ProgramDerivedAddress"

const maxSeedLen = 32

// ErrInvalidAsset is returned when an asset or owner identifier does not
// decode to a 32-byte address.
var ErrInvalidAsset = errors.New("invalid asset identifier")

// Address is a 32-byte account address, rendered base58.
type Address [32]byte

func ParseAddress(s string) (Address, error) {
	var a Address
	if s == "" {
		return a, fmt.Errorf("empty address: %w", ErrInvalidAsset)
	}
	raw := base58.Decode(s)
	if len(raw) != len(a) {
		return a, fmt.Errorf("address %q decodes to %d bytes, want %d: %w", s, len(raw), len(a), ErrInvalidAsset)
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

// DeriveVaultAddress maps (owner, sourceMint, destMint) to the vault account
// address and its bump seed. The derivation is deterministic: the same triple
// always yields the same address, and distinct triples collide only with the
// probability of a SHA-256 collision.
func DeriveVaultAddress(owner, sourceMint, destMint string) (Address, uint8, error) {
	ownerAddr, err := ParseAddress(owner)
	if err != nil {
		return Address{}, 0, fmt.Errorf("owner: %w", err)
	}
	sourceAddr, err := ParseAddress(sourceMint)
	if err != nil {
		return Address{}, 0, fmt.Errorf("source mint: %w", err)
	}
	destAddr, err := ParseAddress(destMint)
	if err != nil {
		return Address{}, 0, fmt.Errorf("dest mint: %w", err)
	}

	seeds := [][]byte{[]byte("vault"), ownerAddr.Bytes(), sourceAddr.Bytes(), destAddr.Bytes()}
	return findProgramAddress(seeds, DCAVaultProgramID)
}

// DeriveSessionKeyAddress maps (owner, sessionPubkey) to the on-chain session
// key account address and its bump seed.
func DeriveSessionKeyAddress(owner, sessionPubkey string) (Address, uint8, error) {
	ownerAddr, err := ParseAddress(owner)
	if err != nil {
		return Address{}, 0, fmt.Errorf("owner: %w", err)
	}
	sessionAddr, err := ParseAddress(sessionPubkey)
	if err != nil {
		return Address{}, 0, fmt.Errorf("session pubkey: %w", err)
	}

	seeds := [][]byte{[]byte("session"), ownerAddr.Bytes(), sessionAddr.Bytes()}
	return findProgramAddress(seeds, SessionKeyProgramID)
}

// findProgramAddress searches bump seeds from 255 downward for the first
// derived address that does not lie on the ed25519 curve, so no private key
// can ever exist for it.
func findProgramAddress(seeds [][]byte, programID string) (Address, uint8, error) {
	program, err := ParseAddress(programID)
	if err != nil {
		return Address{}, 0, fmt.Errorf("program id: %w", err)
	}
	for bump := 255; bump >= 0; bump-- {
		addr, err := createProgramAddress(seeds, []byte{uint8(bump)}, program)
		if err != nil {
			continue
		}
		return addr, uint8(bump), nil
	}
	return Address{}, 0, fmt.Errorf("no off-curve address found for seeds")
}

func createProgramAddress(seeds [][]byte, bump []byte, program Address) (Address, error) {
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLen {
			return Address{}, fmt.Errorf("seed exceeds %d bytes", maxSeedLen)
		}
		h.Write(seed)
	}
	h.Write(bump)
	h.Write(program.Bytes())
	h.Write([]byte(pdaMarker))

	var addr Address
	copy(addr[:], h.Sum(nil))
	if isOnCurve(addr) {
		return Address{}, errors.New("derived address is on the ed25519 curve")
	}
	return addr, nil
}

// isOnCurve reports whether the 32 bytes decode to a valid ed25519 point.
func isOnCurve(a Address) bool {
	_, err := edwards.ParsePubKey(a.Bytes())
	return err == nil
}
