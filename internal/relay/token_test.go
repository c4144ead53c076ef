package relay

import "testing"

func TestIssueStreamToken(t *testing.T) {
	plaintext, hash, err := IssueStreamToken()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(plaintext) != 64 {
		t.Errorf("plaintext length = %d, want 64 hex chars", len(plaintext))
	}
	if hash != HashStreamToken(plaintext) {
		t.Error("returned hash does not match plaintext digest")
	}

	p2, h2, err := IssueStreamToken()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if p2 == plaintext || h2 == hash {
		t.Error("two issued tokens are identical")
	}
}

func TestTokenHashEqual(t *testing.T) {
	h := HashStreamToken("secret")
	if !tokenHashEqual(h, HashStreamToken("secret")) {
		t.Error("equal hashes compared unequal")
	}
	if tokenHashEqual(h, HashStreamToken("other")) {
		t.Error("different hashes compared equal")
	}
	if tokenHashEqual(h, h[:len(h)-2]) {
		t.Error("length mismatch compared equal")
	}
	if tokenHashEqual("", h) {
		t.Error("empty hash compared equal")
	}
}

func TestVerifyStreamToken(t *testing.T) {
	store := testStore(t)
	plaintext := mustCreateLiveSession(t, store, "s1")

	ok, err := store.VerifyStreamToken("s1", plaintext)
	if err != nil || !ok {
		t.Fatalf("valid token rejected: ok=%v err=%v", ok, err)
	}

	ok, err = store.VerifyStreamToken("s1", "not-the-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("wrong token accepted")
	}

	ok, err = store.VerifyStreamToken("nonexistent", plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("token accepted for unknown session")
	}
}
