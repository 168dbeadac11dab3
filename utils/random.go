package utils

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
)

func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)

	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// NewID returns a random identifier for sessions, queue entries and ledger rows.
func NewID() string {
	return uuid.NewString()
}

// InstanceID names this process for lease ownership. It is the hostname plus
// a random suffix so two processes on one host never collide.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	suffix, err := GenerateCode(3)
	if err != nil {
		return host + "-" + uuid.NewString()[:8]
	}
	return host + "-" + strings.ToLower(suffix)
}
