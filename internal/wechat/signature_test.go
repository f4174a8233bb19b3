package wechat

import "testing"

func TestSignatureOrderIndependent(t *testing.T) {
	a := Signature("token", "1700000000", "nonce")
	b := Signature("nonce", "token", "1700000000")
	if a != b {
		t.Errorf("signatures differ across argument order: %s vs %s", a, b)
	}
	if len(a) != 40 {
		t.Errorf("signature length = %d, want 40 hex chars", len(a))
	}
}

func TestValidSignature(t *testing.T) {
	sig := Signature("tok", "123", "n1")
	if !ValidSignature(sig, "tok", "123", "n1") {
		t.Error("ValidSignature rejected a matching signature")
	}
	if ValidSignature(sig, "tok", "123", "n2") {
		t.Error("ValidSignature accepted a signature for another nonce")
	}
	if ValidSignature("", "tok", "123", "n1") {
		t.Error("ValidSignature accepted an empty signature")
	}
}

func TestValidMsgSignature(t *testing.T) {
	sig := Signature("tok", "123", "n1", "ciphertext")
	if !ValidMsgSignature(sig, "tok", "123", "n1", "ciphertext") {
		t.Error("ValidMsgSignature rejected a matching signature")
	}
	if ValidMsgSignature(sig, "tok", "123", "n1", "tampered") {
		t.Error("ValidMsgSignature accepted a signature for altered ciphertext")
	}
	if ValidSignature(sig, "tok", "123", "n1") {
		t.Error("plain signature accepted the four-part digest")
	}
}
