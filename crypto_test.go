package main

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func withKeyring(t *testing.T, f func(t *testing.T, k Keyring)) {
	viper.Set(CredentialKeyFileKey, filepath.Join(t.TempDir(), "credential-key"))
	f(t, GetOrCreateKeyring())
}

func TestKeyringRoundTrip(t *testing.T) {
	withKeyring(t, func(t *testing.T, k Keyring) {
		sealed, e := k.Encrypt("app-password-123")
		if e != nil {
			t.Fatal(e)
		}
		if sealed == "app-password-123" {
			t.Fatal("ciphertext equals plaintext")
		}
		plain, e := k.Decrypt(sealed)
		if e != nil {
			t.Fatal(e)
		}
		if plain != "app-password-123" {
			t.Errorf("round trip gave %q", plain)
		}

		// Fresh nonce every time
		sealed2, e := k.Encrypt("app-password-123")
		if e != nil {
			t.Fatal(e)
		}
		if sealed == sealed2 {
			t.Error("two encryptions produced identical ciphertext")
		}
	})
}

func TestKeyringRejectsTampering(t *testing.T) {
	withKeyring(t, func(t *testing.T, k Keyring) {
		sealed, e := k.Encrypt("secret")
		if e != nil {
			t.Fatal(e)
		}
		raw, _ := base64.StdEncoding.DecodeString(sealed)
		raw[len(raw)-1] ^= 0xff
		if _, e := k.Decrypt(base64.StdEncoding.EncodeToString(raw)); e == nil {
			t.Error("expected authentication failure for tampered ciphertext")
		}

		if _, e := k.Decrypt("not base64!!"); e == nil {
			t.Error("expected failure for invalid encoding")
		}
		if _, e := k.Decrypt(base64.StdEncoding.EncodeToString([]byte("short"))); e == nil {
			t.Error("expected failure for truncated ciphertext")
		}
	})
}

func TestKeyringPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential-key")
	viper.Set(CredentialKeyFileKey, path)

	k1 := GetOrCreateKeyring()
	sealed, e := k1.Encrypt("persisted")
	if e != nil {
		t.Fatal(e)
	}

	// Second keyring loads the same key file
	k2 := GetOrCreateKeyring()
	plain, e := k2.Decrypt(sealed)
	if e != nil {
		t.Fatal(e)
	}
	if plain != "persisted" {
		t.Errorf("got %q after reload", plain)
	}
}
