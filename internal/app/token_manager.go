package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenTimeFormat = "2006-01-02 15:04:05"

// TokenInfo is the redis-side record of one marker's API token.
type TokenInfo struct {
	Username     string    `json:"username"`
	Token        string    `json:"token"`
	UseCount     int       `json:"use_count"`
	MintedTime   time.Time `json:"minted_dttm_utc"`
	LastSeenTime time.Time `json:"last_seen_dttm_utc"`
}

// TokenManager mints, lists and revokes marker tokens. It writes under
// the same key template Auth validates against, so a minted token is
// usable immediately.
type TokenManager struct {
	redis       *redis.Client
	keyTemplate string
}

func NewTokenManager(client *redis.Client, keyTemplate string) *TokenManager {
	return &TokenManager{redis: client, keyTemplate: keyTemplate}
}

func (tm *TokenManager) key(exam, username string) string {
	return strings.NewReplacer(
		"{exam}", exam,
		"{username}", username,
	).Replace(tm.keyTemplate)
}

func mintToken() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return "mk-" + hex.EncodeToString(buf), nil
}

// FetchOrCreateMarkerToken returns the marker's token, minting one on
// first use, and bumps the usage stats either way.
func (tm *TokenManager) FetchOrCreateMarkerToken(ctx context.Context, exam, username string) (*TokenInfo, bool, error) {
	key := tm.key(exam, username)
	now := time.Now().UTC().Format(tokenTimeFormat)

	fresh, err := mintToken()
	if err != nil {
		return nil, false, err
	}

	// Only the first caller's token sticks; concurrent fetches for the
	// same marker all read back the winner.
	minted, err := tm.redis.HSetNX(ctx, key, "token", fresh).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to store token: %w", err)
	}

	pipe := tm.redis.Pipeline()
	if minted {
		pipe.HSet(ctx, key, "minted_dttm_utc", now)
	}
	pipe.HIncrBy(ctx, key, "use_count", 1)
	pipe.HSet(ctx, key, "last_seen_dttm_utc", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to update token stats: %w", err)
	}

	info, err := tm.readInfo(ctx, key, username)
	if err != nil {
		return nil, false, err
	}
	return info, minted, nil
}

func (tm *TokenManager) readInfo(ctx context.Context, key, username string) (*TokenInfo, error) {
	values, err := tm.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read token info: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no token stored under %s", key)
	}

	minted, _ := time.Parse(tokenTimeFormat, values["minted_dttm_utc"])
	lastSeen, _ := time.Parse(tokenTimeFormat, values["last_seen_dttm_utc"])
	uses, _ := strconv.Atoi(values["use_count"])

	return &TokenInfo{
		Username:     username,
		Token:        values["token"],
		UseCount:     uses,
		MintedTime:   minted,
		LastSeenTime: lastSeen,
	}, nil
}

// ListMarkerTokens scans the exam's token keys. Admin surface only,
// the scan is not cheap. Assumes {username} closes the key template.
func (tm *TokenManager) ListMarkerTokens(ctx context.Context, exam string) ([]*TokenInfo, error) {
	prefix := tm.key(exam, "")
	iter := tm.redis.Scan(ctx, 0, prefix+"*", 0).Iterator()

	var infos []*TokenInfo
	for iter.Next(ctx) {
		key := iter.Val()
		info, err := tm.readInfo(ctx, key, strings.TrimPrefix(key, prefix))
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tokens: %w", err)
	}
	return infos, nil
}

// RevokeMarkerToken drops the marker's token; the next fetch mints a
// fresh one.
func (tm *TokenManager) RevokeMarkerToken(ctx context.Context, exam, username string) error {
	return tm.redis.Del(ctx, tm.key(exam, username)).Err()
}
