package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON decodes the value at key into dst. It returns (false, nil) when the
// key is absent and (true, err) when a value exists but cannot be decoded.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it. Encoding failures count as a failed set.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.Set(ctx, key, raw, ttl)
}
