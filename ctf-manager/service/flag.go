package service

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateFlag builds a per-instance flag of the form PREFIX{base64url(payload)}
// where the payload binds the flag to challenge and owner.
func GenerateFlag(prefix string, challengeID, userID, teamID int64) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate flag nonce: %w", err)
	}

	owner := fmt.Sprintf("user_%d", userID)
	if teamID != 0 {
		owner = fmt.Sprintf("team_%d|user_%d", teamID, userID)
	}
	payload := fmt.Sprintf("%d:%s:%s", challengeID, owner, hex.EncodeToString(nonce))

	return fmt.Sprintf("%s{%s}", prefix, base64.URLEncoding.EncodeToString([]byte(payload))), nil
}
