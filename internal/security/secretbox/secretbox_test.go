package secretbox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	raw := make([]byte, RequiredKeyLength)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return raw
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()
	box, err := New(testKey(1), PurposeSecretMaterial)
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	inputs := [][]byte{
		{},
		[]byte("x"),
		[]byte("hola mundo ✓ secreto"),
		bytes.Repeat([]byte{0xff, 0x00}, 4096),
	}
	rnd := make([]byte, 257)
	_, _ = rand.Read(rnd)
	inputs = append(inputs, rnd)

	for _, in := range inputs {
		ct, err := box.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt err: %v", err)
		}
		pt, err := box.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt err: %v", err)
		}
		if !bytes.Equal(pt, in) {
			t.Fatalf("plaintext mismatch for %d bytes", len(in))
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	t.Parallel()
	box, _ := New(testKey(2), PurposeSecretMaterial)
	a, _ := box.Encrypt([]byte("same"))
	b, _ := box.Encrypt([]byte("same"))
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
}

func TestDecrypt_DetectsTamper(t *testing.T) {
	t.Parallel()
	box, _ := New(testKey(3), PurposeSecretMaterial)
	ct, err := box.Encrypt([]byte("top secret"))
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(ct, "|")
	bs, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	bs[0] ^= 0x01
	corrupted := parts[0] + "|" + base64.StdEncoding.EncodeToString(bs)

	if _, err := box.Decrypt(corrupted); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if _, err := box.Decrypt("not-a-blob"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecrypt_WrongPurposeFails(t *testing.T) {
	t.Parallel()
	a, _ := New(testKey(4), PurposeSecretMaterial)
	b, _ := New(testKey(4), PurposeEdgeState)
	ct, _ := a.Encrypt([]byte("payload"))
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt across purposes, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	t.Parallel()
	raw := testKey(5)
	for _, enc := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		hex.EncodeToString(raw),
	} {
		got, err := ParseKey(enc)
		if err != nil {
			t.Fatalf("ParseKey(%q) err: %v", enc, err)
		}
		if !bytes.Equal(got, raw) {
			t.Fatalf("ParseKey(%q) mismatch", enc)
		}
	}
	if _, err := ParseKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
	if _, err := ParseKey(base64.StdEncoding.EncodeToString([]byte("short"))); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for short key, got %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()
	k, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromString(k, PurposeEdgeState); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}
