package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"aquatrack/internal/model"
)

// Store keeps daily totals in redis, one key per user per calendar day.
// Values are plain decimal strings rounded to one place.
type Store struct {
	client *redis.Client
}

// NewStore returns a redis-backed totals store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) key(userID string, day model.Day) string {
	return fmt.Sprintf("water:total:%s:%s", userID, day)
}

// GetDailyTotal returns the accumulated total for the day, 0 when absent.
func (s *Store) GetDailyTotal(ctx context.Context, userID string, day model.Day) (float64, error) {
	result, err := s.client.Get(ctx, s.key(userID, day)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redisstore: get total: %w", err)
	}
	total, err := strconv.ParseFloat(result, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstore: parse total %q: %w", result, err)
	}
	return total, nil
}

// SetDailyTotal overwrites the day's accumulator. Totals never expire; a
// year of daily keys is negligible.
func (s *Store) SetDailyTotal(ctx context.Context, userID string, day model.Day, total float64) error {
	value := strconv.FormatFloat(model.Round1(total), 'f', -1, 64)
	if err := s.client.Set(ctx, s.key(userID, day), value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set total: %w", err)
	}
	return nil
}

// QueryDailyTotals fetches the given days in one MGET. Absent days map to 0.
func (s *Store) QueryDailyTotals(ctx context.Context, userID string, days []model.Day) (map[model.Day]float64, error) {
	if len(days) == 0 {
		return map[model.Day]float64{}, nil
	}

	keys := make([]string, len(days))
	for i, day := range days {
		keys[i] = s.key(userID, day)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: query totals: %w", err)
	}

	out := make(map[model.Day]float64, len(days))
	for i, day := range days {
		out[day] = 0
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		total, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("redisstore: parse total %q: %w", raw, err)
		}
		out[day] = total
	}
	return out, nil
}
