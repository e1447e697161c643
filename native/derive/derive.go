// Package derive computes program-owned addresses. A derived address is a
// keccak256 digest of a namespace tag, caller supplied seeds, a bump byte and
// the program identifier. Only digests that are not valid secp256k1 x
// coordinates are accepted, so no private key can ever control a derived
// address; the program authorises movements from it by re-deriving it.
package derive

import (
	"bytes"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftpawn/crypto"
)

const (
	// MaxSeeds bounds the number of seeds accepted per derivation.
	MaxSeeds = 16
	// MaxSeedLen bounds the byte length of a single seed.
	MaxSeedLen = 32
	// MaxBump is the first bump tried by the search.
	MaxBump uint8 = 255
)

var domainMarker = []byte("PawnDerivedAddress")

var (
	ErrInvalidSeeds = errors.New("derive: invalid seeds")
	ErrOnCurve      = errors.New("derive: candidate has a private key")
	ErrNoViableBump = errors.New("derive: no viable bump")
	ErrMismatch     = errors.New("derive: capability does not match its seeds")
)

// Deriver binds the derivation to one program identifier.
type Deriver struct {
	programID crypto.Address
	viable    func(digest []byte) bool
}

// New returns a deriver for the given program.
func New(programID crypto.Address) *Deriver {
	return &Deriver{programID: programID, viable: offCurve}
}

// ProgramID returns the program identifier mixed into every derivation.
func (d *Deriver) ProgramID() crypto.Address {
	return d.programID
}

// offCurve accepts a digest when 0x02||digest does not decompress to a point.
func offCurve(digest []byte) bool {
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, digest...)
	_, err := ethcrypto.DecompressPubkey(compressed)
	return err != nil
}

func validate(tag string, seeds [][]byte) error {
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidSeeds)
	}
	if len(tag) > MaxSeedLen {
		return fmt.Errorf("%w: tag longer than %d bytes", ErrInvalidSeeds, MaxSeedLen)
	}
	if len(seeds) > MaxSeeds {
		return fmt.Errorf("%w: %d seeds exceeds %d", ErrInvalidSeeds, len(seeds), MaxSeeds)
	}
	for i, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return fmt.Errorf("%w: seed %d is %d bytes", ErrInvalidSeeds, i, len(seed))
		}
	}
	return nil
}

func (d *Deriver) digest(tag string, bump uint8, seeds [][]byte) []byte {
	parts := make([][]byte, 0, len(seeds)+4)
	parts = append(parts, []byte(tag))
	parts = append(parts, seeds...)
	parts = append(parts, []byte{bump}, d.programID.Bytes(), domainMarker)
	return ethcrypto.Keccak256(parts...)
}

// Create recomputes the address for an explicit bump. It fails with ErrOnCurve
// when the bump does not yield a keyless digest.
func (d *Deriver) Create(tag string, bump uint8, seeds ...[]byte) (crypto.Address, error) {
	if err := validate(tag, seeds); err != nil {
		return crypto.Address{}, err
	}
	digest := d.digest(tag, bump, seeds)
	if !d.viable(digest) {
		return crypto.Address{}, ErrOnCurve
	}
	return crypto.NewAddress(crypto.PawnPrefix, digest[len(digest)-crypto.AddressLength:]), nil
}

// Find searches bumps from 255 down to 0 and returns the first viable address
// together with its bump. Identical inputs always produce identical outputs.
func (d *Deriver) Find(tag string, seeds ...[]byte) (crypto.Address, uint8, error) {
	if err := validate(tag, seeds); err != nil {
		return crypto.Address{}, 0, err
	}
	for bump := int(MaxBump); bump >= 0; bump-- {
		addr, err := d.Create(tag, uint8(bump), seeds...)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return crypto.Address{}, 0, err
		}
	}
	return crypto.Address{}, 0, fmt.Errorf("%w: tag %q", ErrNoViableBump, tag)
}

// Capability is the proof that the holder can reproduce a derived address. It
// stands in for a signature when the program moves assets owned by a derived
// address.
type Capability struct {
	ProgramID crypto.Address
	Tag       string
	Seeds     [][]byte
	Bump      uint8
	Address   crypto.Address
}

// Owner returns the derived address the capability speaks for.
func (c Capability) Owner() crypto.Address {
	return c.Address
}

// Capability derives the address for tag and seeds and wraps it.
func (d *Deriver) Capability(tag string, seeds ...[]byte) (Capability, error) {
	addr, bump, err := d.Find(tag, seeds...)
	if err != nil {
		return Capability{}, err
	}
	copied := make([][]byte, len(seeds))
	for i, seed := range seeds {
		copied[i] = append([]byte(nil), seed...)
	}
	return Capability{ProgramID: d.programID, Tag: tag, Seeds: copied, Bump: bump, Address: addr}, nil
}

// Verify re-derives the capability under this deriver's program and checks
// that it names the same address with the canonical bump.
func (d *Deriver) Verify(c Capability) error {
	if !c.ProgramID.Equal(d.programID) {
		return fmt.Errorf("%w: foreign program %s", ErrMismatch, c.ProgramID)
	}
	addr, bump, err := d.Find(c.Tag, c.Seeds...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if bump != c.Bump || !bytes.Equal(addr.Bytes(), c.Address.Bytes()) {
		return ErrMismatch
	}
	return nil
}
