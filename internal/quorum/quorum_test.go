package quorum

import "testing"

func mustSigner(t *testing.T, seed byte) *Signer {
	t.Helper()
	s, err := NewSignerFromSeed([]byte{seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed})
	if err != nil {
		t.Fatalf("NewSignerFromSeed: %v", err)
	}
	return s
}

func TestSignAndVerify(t *testing.T) {
	s := mustSigner(t, 1)
	msg := []byte("epoch-root-0x01")
	sig := s.Sign(msg)
	if !Verify(s.PubKey(), msg, sig) {
		t.Fatal("Verify should accept a signature over the signed message")
	}
	if Verify(s.PubKey(), []byte("different message"), sig) {
		t.Fatal("Verify should reject a signature over a different message")
	}
}

func TestQuorumCollectMeetsThreshold(t *testing.T) {
	signers := []*Signer{mustSigner(t, 1), mustSigner(t, 2), mustSigner(t, 3)}
	pks := []*PubKey{signers[0].PubKey(), signers[1].PubKey(), signers[2].PubKey()}
	q, err := New(pks, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := []byte("epoch-root-0x02")
	shares := map[int]Signature{
		0: signers[0].Sign(msg),
		1: signers[1].Sign(msg),
	}
	att, err := q.Collect(msg, shares)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if att.Signed != 2 {
		t.Fatalf("expected 2 signed shares, got %d", att.Signed)
	}
}

func TestQuorumCollectBelowThresholdFails(t *testing.T) {
	signers := []*Signer{mustSigner(t, 1), mustSigner(t, 2), mustSigner(t, 3)}
	pks := []*PubKey{signers[0].PubKey(), signers[1].PubKey(), signers[2].PubKey()}
	q, err := New(pks, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := []byte("epoch-root-0x03")
	shares := map[int]Signature{0: signers[0].Sign(msg)}
	if _, err := q.Collect(msg, shares); err == nil {
		t.Fatal("Collect should fail below threshold")
	}
}

func TestQuorumDropsInvalidShare(t *testing.T) {
	signers := []*Signer{mustSigner(t, 1), mustSigner(t, 2), mustSigner(t, 3)}
	pks := []*PubKey{signers[0].PubKey(), signers[1].PubKey(), signers[2].PubKey()}
	q, err := New(pks, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := []byte("epoch-root-0x04")
	shares := map[int]Signature{
		0: signers[0].Sign(msg),
		1: signers[1].Sign([]byte("wrong message")),
		2: signers[2].Sign(msg),
	}
	att, err := q.Collect(msg, shares)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if att.Signed != 2 {
		t.Fatalf("expected the bad share dropped and 2 valid shares folded in, got %d", att.Signed)
	}
}

func TestThresholdSignerCombineAndVerifyFullSet(t *testing.T) {
	signers := []*Signer{mustSigner(t, 1), mustSigner(t, 2)}
	pks := []*PubKey{signers[0].PubKey(), signers[1].PubKey()}
	group, err := New(pks, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := NewBLSThresholdSigner(signers[0], group)

	msg := []byte("epoch-root-0x05")
	shares := map[int]Signature{
		0: signers[0].Sign(msg),
		1: signers[1].Sign(msg),
	}
	combined, err := ts.Combine(msg, shares)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if !ts.Verify(msg, combined) {
		t.Fatal("Verify should accept the combined full-set signature")
	}
}

func TestNewRejectsInvalidThreshold(t *testing.T) {
	signers := []*Signer{mustSigner(t, 1)}
	pks := []*PubKey{signers[0].PubKey()}
	if _, err := New(pks, 0); err == nil {
		t.Fatal("expected error for threshold 0")
	}
	if _, err := New(pks, 2); err == nil {
		t.Fatal("expected error for threshold exceeding member count")
	}
}
