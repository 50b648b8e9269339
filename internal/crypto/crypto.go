package crypto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/kodiq/kodiqd/internal/database"
)

const (
	keySetting  = "fernet_key"
	tokenPrefix = "kodiq-api:"
)

// ErrInvalidToken is returned for tokens that fail verification or have
// expired.
var ErrInvalidToken = errors.New("invalid token")

func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting(keySetting, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// RotateKey replaces the signing key. Every token issued before is invalid
// afterwards.
func RotateKey() error {
	if err := database.DeleteSetting(keySetting); err != nil {
		return fmt.Errorf("rotate fernet key: %w", err)
	}
	_, err := getKey()
	return err
}

func Encrypt(plaintext string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies ciphertext and returns its plaintext. A ttl of zero
// accepts tokens of any age.
func Decrypt(ciphertext string, ttl time.Duration) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), ttl, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: %w", ErrInvalidToken)
	}
	return string(msg), nil
}

// IssueToken returns an API token naming subject.
func IssueToken(subject string) (string, error) {
	return Encrypt(tokenPrefix + subject)
}

// VerifyToken checks an API token and returns its subject. Tokens older than
// ttl are rejected; a ttl of zero disables expiry.
func VerifyToken(token string, ttl time.Duration) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	plain, err := Decrypt(token, ttl)
	if err != nil {
		return "", err
	}
	subject, ok := strings.CutPrefix(plain, tokenPrefix)
	if !ok || subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
