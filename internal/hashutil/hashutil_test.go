package hashutil

import "testing"

func TestMembershipHashDeterministic(t *testing.T) {
	a := MembershipHash("node-1")
	b := MembershipHash("node-1")
	if a != b {
		t.Fatalf("MembershipHash not deterministic: %d != %d", a, b)
	}
}

func TestMembershipHashDiffersFromURLHash(t *testing.T) {
	// The two functions must diverge on the same input: URLHash skips the
	// prime mix and final rotation that MembershipHash applies.
	s := "127.0.0.1:31001"
	if MembershipHash(s) == URLHash(s) {
		t.Fatalf("MembershipHash and URLHash collided on %q; asymmetry is required", s)
	}
}

func TestURLHashEmptyString(t *testing.T) {
	if URLHash("") != 0 {
		t.Fatalf("URLHash(\"\") = %d, want 0", URLHash(""))
	}
}

func TestCombineCommutativeUnderXOR(t *testing.T) {
	// XOR is commutative, so Combine(a,b) == Combine(b,a).
	a, b := MembershipHash("x"), URLHash("y")
	if Combine(a, b) != Combine(b, a) {
		t.Fatalf("Combine not symmetric under XOR swap")
	}
}

func TestCombineDeterministic(t *testing.T) {
	m := MembershipHash("127.0.0.1:31001")
	u := URLHash("foo")
	if Combine(m, u) != Combine(m, u) {
		t.Fatalf("Combine not deterministic")
	}
}
