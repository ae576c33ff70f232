package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeKey(t *testing.T, passphrase []byte) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == nil {
		block, err = ssh.MarshalPrivateKey(priv, "ziploy test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "ziploy test", passphrase)
	}
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(p, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadSigner(t *testing.T) {
	signer, err := loadSigner(writeKey(t, nil))
	if err != nil {
		t.Fatalf("loadSigner() error: %v", err)
	}
	if signer.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Errorf("unexpected key type %s", signer.PublicKey().Type())
	}

	if _, err := loadSigner(writeKey(t, []byte("secret"))); err == nil {
		t.Error("expected error for passphrase protected key")
	}
	if _, err := loadSigner(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestDialFailsBeforeConnecting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	key := writeKey(t, nil)

	tests := []struct {
		name   string
		opts   SSHOptions
		wantOp string
	}{
		{
			name:   "missing key",
			opts:   SSHOptions{Host: "127.0.0.1", User: "deploy", KeyFile: filepath.Join(t.TempDir(), "nope")},
			wantOp: "ssh auth",
		},
		{
			name:   "missing known_hosts",
			opts:   SSHOptions{Host: "127.0.0.1", User: "deploy", KeyFile: key, KnownHostsFile: filepath.Join(t.TempDir(), "nope")},
			wantOp: "ssh known_hosts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(context.Background(), tt.opts, logger)
			var te *Error
			if !errors.As(err, &te) || te.Op != tt.wantOp {
				t.Fatalf("expected %q *Error, got %v", tt.wantOp, err)
			}
		})
	}
}
