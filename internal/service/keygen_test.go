package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"byorlhub-license-api/internal/model"
)

func TestGenerateFormat(t *testing.T) {
	g := NewKeyGenerator("ByorlHub")
	g.now = func() time.Time { return time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC) }

	key, err := g.Generate(&model.Product{ID: "7d", DurationDays: 7})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "ByorlHub7D_202506_"), key)

	suffix := strings.TrimPrefix(key, "ByorlHub7D_202506_")
	assert.Len(t, suffix, 16)
	for _, r := range suffix {
		assert.Contains(t, keyAlphabet, string(r))
	}
}

func TestGenerateDurationClasses(t *testing.T) {
	g := NewKeyGenerator("ByorlHub")
	g.now = func() time.Time { return time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC) }

	cases := []struct {
		days int
		want string
	}{
		{7, "ByorlHub7D_"},
		{30, "ByorlHub30D_"},
		{0, "ByorlHubLT_"},
	}
	for _, tc := range cases {
		key, err := g.Generate(&model.Product{ID: "p", DurationDays: tc.days})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, tc.want), key)
	}
}

func TestGenerateUnique(t *testing.T) {
	g := NewKeyGenerator("ByorlHub")
	product := &model.Product{ID: "7d", DurationDays: 7}

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		key, err := g.Generate(product)
		require.NoError(t, err)
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}
