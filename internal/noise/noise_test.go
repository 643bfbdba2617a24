package noise

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPairDistinct(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if a.PrivateKey == b.PrivateKey {
		t.Fatal("two generated key pairs must not collide")
	}
}

func TestDHSharedSecretMatches(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	s1, err := a.DH(b.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := b.DH(a.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("DH(a, b.pub) must equal DH(b, a.pub)")
	}
}

func TestCipherStateEncryptDecrypt(t *testing.T) {
	var key [SymKeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, SymKeySize))
	send, err := NewCipherState(key)
	if err != nil {
		t.Fatal(err)
	}
	recv, err := NewCipherState(key)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("stratum v2 payload")
	ciphertext, err := send.Encrypt(plaintext, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := recv.Decrypt(ciphertext, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestCipherStateRejectsTamperedCiphertext(t *testing.T) {
	var key [SymKeySize]byte
	send, _ := NewCipherState(key)
	recv, _ := NewCipherState(key)
	ciphertext, _ := send.Encrypt([]byte("hello"), nil)
	ciphertext[0] ^= 0xff
	if _, err := recv.Decrypt(ciphertext, nil); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

// TestHandshakeAndTransport runs the full NX handshake between an initiator
// (the proxy) and a responder (standing in for the pool) and confirms both
// sides derive ciphers that decrypt each other's transport messages.
func TestHandshakeAndTransport(t *testing.T) {
	responderStatic, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	initiator, err := NewInitiatorHandshake()
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewResponderHandshake(responderStatic)
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := initiator.WriteMessage(nil)
	if err != nil {
		t.Fatalf("initiator write msg1: %v", err)
	}
	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatalf("responder read msg1: %v", err)
	}

	msg2, err := responder.WriteMessage(nil)
	if err != nil {
		t.Fatalf("responder write msg2: %v", err)
	}
	if _, err := initiator.ReadMessage(msg2); err != nil {
		t.Fatalf("initiator read msg2: %v", err)
	}

	if !initiator.IsComplete() || !responder.IsComplete() {
		t.Fatal("both sides must report handshake complete")
	}

	if initiator.GetRemoteStatic() != responderStatic.PublicKey {
		t.Fatal("initiator must learn the responder's authenticated static key")
	}

	initSend, initRecv, err := initiator.Split()
	if err != nil {
		t.Fatal(err)
	}
	respSend, respRecv, err := responder.Split()
	if err != nil {
		t.Fatal(err)
	}

	initiatorChannel := NewSecureChannel(initSend, initRecv)
	responderChannel := NewSecureChannel(respSend, respRecv)

	plaintext := []byte("SetupConnection")
	ciphertext, err := initiatorChannel.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := responderChannel.Decrypt(ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	reply := []byte("SetupConnection.Success")
	cipherReply, err := responderChannel.Encrypt(reply)
	if err != nil {
		t.Fatal(err)
	}
	gotReply, err := initiatorChannel.Decrypt(cipherReply)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotReply, reply) {
		t.Fatalf("got %q, want %q", gotReply, reply)
	}
}

func TestHandshakeRejectsInvalidRemotePublicKey(t *testing.T) {
	responderStatic, _ := GenerateKeyPair()
	initiator, _ := NewInitiatorHandshake()
	responder, err := NewResponderHandshake(responderStatic)
	if err != nil {
		t.Fatal(err)
	}
	msg1, _ := initiator.WriteMessage(nil)
	if _, err := responder.ReadMessage(msg1); err != nil {
		t.Fatal(err)
	}
	msg2, _ := responder.WriteMessage(nil)
	msg2[0] = 0
	for i := 1; i < DHKeySize; i++ {
		msg2[i] = 0
	}
	if _, err := initiator.ReadMessage(msg2); err == nil {
		t.Fatal("expected handshake to fail on an all-zero remote ephemeral key")
	}
}
