package security

import (
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash to put in ADMIN_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func TokenMatches(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// RequireAdmin accepts requests carrying "Authorization: Bearer <token>"
// whose token matches hash. With an empty hash the admin surface is closed.
func RequireAdmin(hash string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		token, ok := strings.CutPrefix(e.Request.Header.Get("Authorization"), "Bearer ")
		if !ok || !TokenMatches(hash, strings.TrimSpace(token)) {
			return e.JSON(http.StatusUnauthorized, map[string]string{
				"error": "Admin access required",
				"code":  "unauthorized",
			})
		}
		return e.Next()
	}
}
