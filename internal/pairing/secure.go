package pairing

import "github.com/streamlinux/streamlinux/internal/secmem"

// SecureToken wraps a minted pairing token so a stray log.Info("...",
// "token", tok) never writes the plaintext credential to disk; the value
// is only reachable through Reveal, which is easy to grep for in review.
type SecureToken struct {
	*secmem.SecureString
}

// NewSecureToken wraps value for safe passing into logging contexts. The
// TokenStore itself still deals in plain strings, since that's what ends
// up embedded in the PairingBundle JSON a viewer parses.
func NewSecureToken(value string) SecureToken {
	return SecureToken{secmem.NewSecureString(value)}
}
