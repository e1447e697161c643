package derive

import (
	"bytes"
	"errors"
	"testing"

	"nftpawn/crypto"
)

func testProgram(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.PawnPrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func TestFindIsDeterministic(t *testing.T) {
	d := New(testProgram(0x11))
	admin := bytes.Repeat([]byte{0x01}, 20)

	first, bump1, err := d.Find("config", admin)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	second, bump2, err := New(testProgram(0x11)).Find("config", admin)
	if err != nil {
		t.Fatalf("find again: %v", err)
	}
	if !first.Equal(second) || bump1 != bump2 {
		t.Fatalf("derivation not deterministic: %s/%d vs %s/%d", first, bump1, second, bump2)
	}
	again, err := d.Create("config", bump1, admin)
	if err != nil {
		t.Fatalf("create with found bump: %v", err)
	}
	if !again.Equal(first) {
		t.Fatalf("create mismatch: %s != %s", again, first)
	}
}

func TestFindSeparatesNamespacesAndPrograms(t *testing.T) {
	d := New(testProgram(0x11))
	seed := bytes.Repeat([]byte{0x02}, 20)

	cfg, _, err := d.Find("config", seed)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	escrow, _, err := d.Find("escrow", seed)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if cfg.Equal(escrow) {
		t.Fatalf("namespaces collided")
	}
	other, _, err := New(testProgram(0x22)).Find("config", seed)
	if err != nil {
		t.Fatalf("other program: %v", err)
	}
	if other.Equal(cfg) {
		t.Fatalf("programs collided")
	}

	a := bytes.Repeat([]byte{0x03}, 20)
	b := bytes.Repeat([]byte{0x04}, 20)
	ab, _, _ := d.Find("loan", a, b)
	ba, _, _ := d.Find("loan", b, a)
	if ab.Equal(ba) {
		t.Fatalf("seed order must matter")
	}
}

func TestFoundAddressIsKeyless(t *testing.T) {
	d := New(testProgram(0x33))
	for i := 0; i < 32; i++ {
		seed := []byte{byte(i)}
		_, bump, err := d.Find("loan", seed)
		if err != nil {
			t.Fatalf("find %d: %v", i, err)
		}
		digest := d.digest("loan", bump, [][]byte{seed})
		if !offCurve(digest) {
			t.Fatalf("seed %d: accepted digest is on the curve", i)
		}
		for higher := int(bump) + 1; higher <= int(MaxBump); higher++ {
			if _, err := d.Create("loan", uint8(higher), seed); !errors.Is(err, ErrOnCurve) {
				t.Fatalf("seed %d: bump %d should have been rejected first", i, higher)
			}
		}
	}
}

func TestFindRejectsInvalidSeeds(t *testing.T) {
	d := New(testProgram(0x11))
	if _, _, err := d.Find(""); !errors.Is(err, ErrInvalidSeeds) {
		t.Fatalf("expected empty tag error, got %v", err)
	}
	if _, _, err := d.Find("loan", make([]byte, MaxSeedLen+1)); !errors.Is(err, ErrInvalidSeeds) {
		t.Fatalf("expected long seed error, got %v", err)
	}
	seeds := make([][]byte, MaxSeeds+1)
	for i := range seeds {
		seeds[i] = []byte{byte(i)}
	}
	if _, _, err := d.Find("loan", seeds...); !errors.Is(err, ErrInvalidSeeds) {
		t.Fatalf("expected too many seeds error, got %v", err)
	}
	if _, _, err := d.Find("loan", seeds[:MaxSeeds]...); err != nil {
		t.Fatalf("max seeds should be accepted: %v", err)
	}
}

func TestFindExhaustionReturnsTypedError(t *testing.T) {
	d := New(testProgram(0x11))
	d.viable = func([]byte) bool { return false }
	_, _, err := d.Find("loan", []byte("seed"))
	if !errors.Is(err, ErrNoViableBump) {
		t.Fatalf("expected ErrNoViableBump, got %v", err)
	}
}

func TestCapabilityVerify(t *testing.T) {
	d := New(testProgram(0x11))
	loan := bytes.Repeat([]byte{0x09}, 20)
	capability, err := d.Capability("escrow", loan)
	if err != nil {
		t.Fatalf("capability: %v", err)
	}
	if err := d.Verify(capability); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !capability.Owner().Equal(capability.Address) {
		t.Fatalf("owner must be the derived address")
	}

	forged := capability
	forged.Address = testProgram(0x44)
	if err := d.Verify(forged); !errors.Is(err, ErrMismatch) {
		t.Fatalf("forged address accepted: %v", err)
	}

	reseeded := capability
	reseeded.Seeds = [][]byte{bytes.Repeat([]byte{0x0A}, 20)}
	if err := d.Verify(reseeded); !errors.Is(err, ErrMismatch) {
		t.Fatalf("reseeded capability accepted: %v", err)
	}

	if err := New(testProgram(0x22)).Verify(capability); !errors.Is(err, ErrMismatch) {
		t.Fatalf("foreign program accepted: %v", err)
	}

	// Mutating the caller's seed slice must not alter the capability.
	loan[0] = 0xFF
	if err := d.Verify(capability); err != nil {
		t.Fatalf("capability aliased caller seeds: %v", err)
	}
}
