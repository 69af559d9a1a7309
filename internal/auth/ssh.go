// ABOUTME: Public key fingerprinting for agent identity records
// ABOUTME: Accepts authorized_keys format and produces SHA256 fingerprints

package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// FingerprintPublicKey parses a public key in authorized_keys format and
// returns its SHA256 fingerprint. Agents may submit a public key at
// registration time so operators can correlate an agent with host keys
// they already trust.
func FingerprintPublicKey(authorizedKey string) (string, error) {
	trimmed := strings.TrimSpace(authorizedKey)
	if trimmed == "" {
		return "", fmt.Errorf("empty public key")
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}

	return ssh.FingerprintSHA256(pub), nil
}
