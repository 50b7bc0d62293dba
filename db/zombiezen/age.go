package zombiezen

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// ageCipher encrypts/decrypts the secret columns (private keys, ACME
// account blobs) before they reach SQLite. The age identity only ever
// wraps the certificate and account secret columns.
type ageCipher struct {
	identities []age.Identity
	recipient  age.Recipient
}

func newAgeCipher(keyPath string) (*ageCipher, error) {
	keyContent, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("db: failed to read age key file %q: %w", keyPath, err)
	}
	defer func() {
		for i := range keyContent {
			keyContent[i] = 0
		}
	}()

	identities, err := age.ParseIdentities(bytes.NewReader(keyContent))
	if err != nil {
		return nil, fmt.Errorf("db: failed to parse age identities from %q: %w", keyPath, err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("db: no age identities found in %q", keyPath)
	}

	x25519, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("db: unsupported age identity type %T, must be X25519", identities[0])
	}

	return &ageCipher{identities: identities, recipient: x25519.Recipient()}, nil
}

func (c *ageCipher) encrypt(plaintext []byte) ([]byte, error) {
	out := &bytes.Buffer{}
	w, err := age.Encrypt(out, c.recipient)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create age encryption writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("db: failed to write plaintext to age encryption writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("db: failed to close age encryption writer: %w", err)
	}
	return out.Bytes(), nil
}

func (c *ageCipher) decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identities...)
	if err != nil {
		return nil, fmt.Errorf("db: failed to decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("db: failed to read decrypted stream: %w", err)
	}
	return plaintext, nil
}
