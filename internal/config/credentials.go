package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Credential keys, checked in order in the environment before the .env file.
const (
	APIKeyEnv       = "STEWARD_API_KEY"
	AnthropicKeyEnv = "ANTHROPIC_API_KEY"
	rotatedAtKey    = "STEWARD_API_KEY_ROTATED_AT"
)

// ErrNoCredential is returned when no reasoning-service key is configured.
var ErrNoCredential = errors.New("no reasoning-service credential configured")

// Credentials reads and writes the reasoning-service key in a .env file.
type Credentials struct {
	Path string
	// Getenv defaults to os.Getenv; tests override it.
	Getenv func(string) string
}

// DefaultCredentials returns a store at <home>/.env.
func DefaultCredentials() *Credentials {
	return &Credentials{Path: filepath.Join(Home(), ".env")}
}

func (c *Credentials) getenv(k string) string {
	if c.Getenv != nil {
		return c.Getenv(k)
	}
	return os.Getenv(k)
}

// APIKey returns the key and where it came from ("env:<NAME>" or the file
// path). It returns ErrNoCredential when nothing is set.
func (c *Credentials) APIKey() (key, source string, err error) {
	for _, name := range []string{APIKeyEnv, AnthropicKeyEnv} {
		if v := c.getenv(name); v != "" {
			return v, "env:" + name, nil
		}
	}
	vals, err := c.read()
	if err != nil {
		return "", "", err
	}
	for _, name := range []string{APIKeyEnv, AnthropicKeyEnv} {
		if v := vals[name]; v != "" {
			return v, c.Path, nil
		}
	}
	return "", "", ErrNoCredential
}

// RotatedAt returns when the stored key was last set, zero if unknown.
func (c *Credentials) RotatedAt() time.Time {
	vals, err := c.read()
	if err != nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, vals[rotatedAtKey])
	return t
}

// Set stores key in the .env file, preserving other entries.
func (c *Credentials) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("credential must not be empty")
	}
	vals, err := c.read()
	if err != nil {
		return err
	}
	vals[APIKeyEnv] = key
	vals[rotatedAtKey] = time.Now().UTC().Format(time.RFC3339)

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := godotenv.Write(vals, c.Path); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return os.Chmod(c.Path, 0o600)
}

// Rotate replaces an existing stored key. It fails when none is stored so
// an operator typo does not silently create a second credential.
func (c *Credentials) Rotate(key string) error {
	vals, err := c.read()
	if err != nil {
		return err
	}
	if vals[APIKeyEnv] == "" && vals[AnthropicKeyEnv] == "" {
		return fmt.Errorf("no stored credential to rotate in %s: %w", c.Path, ErrNoCredential)
	}
	delete(vals, AnthropicKeyEnv)
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := godotenv.Write(vals, c.Path); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return c.Set(key)
}

func (c *Credentials) read() (map[string]string, error) {
	vals, err := godotenv.Read(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return vals, nil
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
