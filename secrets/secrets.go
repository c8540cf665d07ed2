// Package secrets resolves per-environment variable files into the
// plaintext env map handed to a deployment.
package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/fernet/fernet-go"

	"github.com/oar-cd/hoist/domain"
)

// Prefix marks an encrypted value in an env file.
const Prefix = "fernet:"

// Values are long-lived; a token never expires.
const tokenTTL = time.Hour * 24 * 365 * 100

// Cipher encrypts and decrypts env values.
type Cipher struct {
	key *fernet.Key
}

func NewCipher(keyString string) (*Cipher, error) {
	if keyString == "" {
		return nil, fmt.Errorf("%w: encryption key cannot be empty", domain.ErrConfig)
	}
	key, err := fernet.DecodeKey(keyString)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encryption key: %w", domain.ErrConfig, err)
	}
	return &Cipher{key: key}, nil
}

// GenerateKey returns a new random key in the encoding NewCipher accepts.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", err
	}
	return key.Encode(), nil
}

// Seal returns plaintext as a prefixed, encrypted env value.
func (c *Cipher) Seal(plaintext string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(token), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(value string) (string, error) {
	raw, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return value, nil
	}
	token, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid token format: %w", err)
	}
	plaintext := fernet.VerifyAndDecrypt(token, tokenTTL, []*fernet.Key{c.key})
	if plaintext == nil {
		return "", errors.New("failed to decrypt token: wrong key or corrupted value")
	}
	return string(plaintext), nil
}

// Resolver reads <dir>/<env>.env files.
type Resolver struct {
	dir    string
	cipher *Cipher
}

// NewResolver returns a resolver for dir. Without a key, encrypted values
// cannot be resolved.
func NewResolver(dir, key string) (*Resolver, error) {
	r := &Resolver{dir: dir}
	if key != "" {
		c, err := NewCipher(key)
		if err != nil {
			return nil, err
		}
		r.cipher = c
	}
	return r, nil
}

// Path returns the file holding env.
func (r *Resolver) Path(env string) string {
	return filepath.Join(r.dir, env+".env")
}

// Resolve returns the plaintext variables of env. An empty env name
// resolves to no variables.
func (r *Resolver) Resolve(env string) (map[string]string, error) {
	if env == "" {
		return map[string]string{}, nil
	}
	if strings.ContainsAny(env, `/\`) || strings.HasPrefix(env, ".") {
		return nil, fmt.Errorf("%w: invalid environment name %q", domain.ErrConfig, env)
	}

	path := r.Path(env)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: environment %q: %w", domain.ErrConfig, env, err)
	}
	vars, err := dotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfig, path, err)
	}

	for name, value := range vars {
		if !strings.HasPrefix(value, Prefix) {
			continue
		}
		if r.cipher == nil {
			return nil, fmt.Errorf("%w: %s in %s is encrypted but no encryption key is configured",
				domain.ErrConfig, name, filepath.Base(path))
		}
		plain, err := r.cipher.Open(value)
		if err != nil {
			// Never echo the value.
			return nil, fmt.Errorf("%w: %s in %s: %w", domain.ErrConfig, name, filepath.Base(path), err)
		}
		vars[name] = plain
	}
	return vars, nil
}
