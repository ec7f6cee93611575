package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
)

// DefaultHistoryCap bounds ordered sets appended through AppendCapped when the
// caller passes a non-positive cap.
const DefaultHistoryCap = 1000

// Service defines cache operations interface. Keys are used verbatim; callers
// namespace them with Namespace.Key.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (bool, error)
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)
	// IncrementWindow increments a counter and, on first increment, starts its
	// expiry window.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// AppendCapped adds member with score to an ordered set and trims the lowest
	// scored members so at most maxLen remain.
	AppendCapped(ctx context.Context, key string, score float64, member interface{}, maxLen int) error
	// RangeByScore returns raw members with min <= score <= max in ascending order.
	RangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// RangeTyped decodes every JSON member in [min, max] into T, skipping members
// that fail to decode.
func RangeTyped[T any](ctx context.Context, c Service, key string, min, max float64) ([]T, error) {
	raw, err := c.RangeByScore(ctx, key, min, max)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var obj T
		if err := json.Unmarshal([]byte(r), &obj); err != nil {
			continue // Skip invalid JSON
		}
		out = append(out, obj)
	}
	return out, nil
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(value)
	}
}

func decode(data []byte, dest interface{}) error {
	switch d := dest.(type) {
	case *string:
		*d = string(data)
		return nil
	case *[]byte:
		*d = append((*d)[:0], data...)
		return nil
	default:
		return json.Unmarshal(data, dest)
	}
}
