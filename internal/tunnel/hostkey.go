package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// loadOrGenerateHostKey reads the Ed25519 host key from path, or
// generates and persists a new one if the file does not exist. The
// parent directory is created if needed.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("tunnel: read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("tunnel: host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("tunnel: parse host key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tunnel: generate host key: %w", err)
	}

	pemBytes, err := encodeEd25519PEM(priv)
	if err != nil {
		return nil, fmt.Errorf("tunnel: encode host key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("tunnel: create host key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("tunnel: write host key: %w", err)
	}

	if sshPub, err := ssh.NewPublicKey(pub); err == nil {
		log.Info().Str("path", path).Str("fingerprint", fingerprintOf(sshPub)).Msg("generated new SSH host key")
	}

	return ssh.NewSignerFromKey(priv)
}

// encodeEd25519PEM marshals an Ed25519 private key to OpenSSH PEM format.
func encodeEd25519PEM(priv ed25519.PrivateKey) ([]byte, error) {
	key, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(key), nil
}

// fingerprintOf returns the SHA-256 fingerprint string for a public key,
// in the same format OpenSSH prints.
func fingerprintOf(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
