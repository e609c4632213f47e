package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"quiz-sync-relay/internal/domain"
)

// Persisted keys, shared with the browser client's local storage layout.
const (
	KeyClassData       = "classData"
	KeyRecentUsernames = "recentUsernames"
	KeyCurrentUsername = "consensusUsername"

	answersKeyPrefix  = "answers_"
	progressKeyPrefix = "progress_"

	MaxRecentUsernames = 5
)

// KVStore is the client's local persistence (sqlite or memory).
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func AnswersKey(username string) string  { return answersKeyPrefix + username }
func ProgressKey(username string) string { return progressKeyPrefix + username }

// RecentUsernames returns identities used on this device, most recent first.
func RecentUsernames(ctx context.Context, store KVStore) ([]string, error) {
	raw, err := store.Get(ctx, KeyRecentUsernames)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyRecentUsernames, err)
	}
	return names, nil
}

// CurrentUsername returns the identity last opened on this device, if any.
func CurrentUsername(ctx context.Context, store KVStore) (string, error) {
	raw, err := store.Get(ctx, KeyCurrentUsername)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// rememberUsername moves name to the front of names, dropping duplicates and
// anything past MaxRecentUsernames.
func rememberUsername(names []string, name string) []string {
	out := make([]string, 0, MaxRecentUsernames)
	out = append(out, name)
	for _, n := range names {
		if n == name || n == "" {
			continue
		}
		if len(out) == MaxRecentUsernames {
			break
		}
		out = append(out, n)
	}
	return out
}

func setJSON(ctx context.Context, store KVStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, data)
}
