package auth

import (
	"context"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
)

type countingKeySet struct {
	id int
}

func (k *countingKeySet) VerifySignature(context.Context, string) ([]byte, error) {
	return []byte{byte(k.id)}, nil
}

func TestRefreshingKeySet(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	builds := 0
	ks := newRefreshingKeySet(func() oidc.KeySet {
		builds++
		return &countingKeySet{id: builds}
	}, 15*time.Minute, func() time.Time { return now })

	got, _ := ks.VerifySignature(context.Background(), "t")
	assert.Equal(t, []byte{1}, got)

	now = now.Add(10 * time.Minute)
	got, _ = ks.VerifySignature(context.Background(), "t")
	assert.Equal(t, []byte{1}, got)

	now = now.Add(5 * time.Minute)
	got, _ = ks.VerifySignature(context.Background(), "t")
	assert.Equal(t, []byte{2}, got)
	assert.Equal(t, 2, builds)
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		scp   any
		want  []string
	}{
		{name: "scope only", scope: "dms.read  dms.write", want: []string{"dms.read", "dms.write"}},
		{name: "scp string", scp: "dms.read dms.admin", want: []string{"dms.read", "dms.admin"}},
		{name: "scp list", scp: []any{"dms.read", 7, ""}, want: []string{"dms.read"}},
		{name: "both", scope: "openid", scp: []any{"dms.write"}, want: []string{"openid", "dms.write"}},
		{name: "none", want: []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseScopes(tc.scope, tc.scp)
			if len(tc.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}
