package service

import (
	"crypto/rand"
	"fmt"
	"time"

	"byorlhub-license-api/internal/model"
)

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// KeyGenerator mints license keys. Keys are opaque but carry a readable
// prefix, a duration class tag and a month stamp so support staff can
// triage a key at a glance; uniqueness rests on the random suffix.
type KeyGenerator struct {
	prefix string
	now    func() time.Time
}

// NewKeyGenerator creates a generator with the given key prefix.
func NewKeyGenerator(prefix string) *KeyGenerator {
	return &KeyGenerator{prefix: prefix, now: time.Now}
}

// Generate mints a key for the product, for example
// "ByorlHub7D_202506_kX91mQa2LbT4fRz0".
func (g *KeyGenerator) Generate(product *model.Product) (string, error) {
	suffix, err := randomToken(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate key suffix: %w", err)
	}
	stamp := g.now().UTC().Format("200601")
	return fmt.Sprintf("%s%s_%s_%s", g.prefix, product.DurationClass(), stamp, suffix), nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}
