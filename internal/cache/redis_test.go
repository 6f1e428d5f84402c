package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     RedisConfig
		wantErr error
		errMsg  string
	}{
		{name: "address", cfg: RedisConfig{Address: mr.Addr()}},
		{name: "url", cfg: RedisConfig{URL: "redis://" + mr.Addr() + "/0"}},
		{name: "not_configured", cfg: RedisConfig{}, wantErr: ErrRedisNotConfigured},
		{name: "bad_url", cfg: RedisConfig{URL: "://nope"}, errMsg: "failed to parse redis url"},
		{name: "unreachable", cfg: RedisConfig{Address: "127.0.0.1:1"}, errMsg: "redis ping failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewRedisClient(context.Background(), tt.cfg)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}

			require.NoError(t, err)
			defer client.Close()
			assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		})
	}
}
