package password

import (
	"strings"
	"testing"
)

// Low-cost parameters keep the suite fast while staying above the enforced
// minimums.
func testConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashAndVerify(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected encoding: %q", encoded)
	}
	if strings.Contains(encoded, "correct horse") {
		t.Fatal("encoded hash leaks the password")
	}

	ok, err := h.Verify("correct horse battery staple", encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("correct password must verify")
	}

	ok, err = h.Verify("wrong password", encoded)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("wrong password must not verify")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h, _ := New(testConfig())
	a, _ := h.Hash("password1")
	b, _ := h.Hash("password1")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	h, _ := New(testConfig())
	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected error for a password under eight bytes")
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	h, _ := New(testConfig())
	for _, encoded := range []string{
		"",
		"$argon2id$v=19$m=8192,t=1,p=1$bad",
		"$bcrypt$whatever",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
	} {
		if _, err := h.Verify("password123", encoded); err == nil {
			t.Fatalf("encoded %q: expected parse error", encoded)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak, _ := New(testConfig())
	encoded, _ := weak.Hash("password123")

	strong, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !upgrade {
		t.Fatal("hash from weaker parameters must report an upgrade")
	}

	fresh, _ := strong.Hash("password123")
	upgrade, err = strong.NeedsUpgrade(fresh)
	if err != nil {
		t.Fatal(err)
	}
	if upgrade {
		t.Fatal("hash at current parameters must not report an upgrade")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	bad := testConfig()
	bad.SaltLength = 4
	if _, err := New(bad); err == nil {
		t.Fatal("expected error for a short salt length")
	}
}
