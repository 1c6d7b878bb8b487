package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "fea_"

// machineTokenLength is prefix + uuid + '_' + 64 hex digits.
const machineTokenLength = len(machineTokenPrefix) + 36 + 1 + 64

// MachineTokenGenerator creates static tokens for unattended clients such as
// test benches. Only the SHA-256 of a token goes into the configuration.
type MachineTokenGenerator struct{}

func NewMachineTokenGenerator() *MachineTokenGenerator {
	return &MachineTokenGenerator{}
}

// GenerateMachineToken returns a token and its hash.
// Format: fea_<uuid>_<random_secret>
func (m *MachineTokenGenerator) GenerateMachineToken() (string, string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token := fmt.Sprintf("%s%s_%s", machineTokenPrefix, uuid.NewString(), hex.EncodeToString(secretBytes))
	return token, m.HashToken(token), nil
}

// HashToken returns the hex SHA-256 of token.
func (m *MachineTokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks prefix, length and the embedded uuid.
func (m *MachineTokenGenerator) ValidateTokenFormat(token string) bool {
	if len(token) != machineTokenLength || !strings.HasPrefix(token, machineTokenPrefix) {
		return false
	}
	id := token[len(machineTokenPrefix) : len(machineTokenPrefix)+36]
	_, err := uuid.Parse(id)
	return err == nil
}
