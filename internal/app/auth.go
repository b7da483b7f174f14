package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"
)

// Auth validates marker client tokens against redis. Token state lives
// outside the mark database on purpose: revoking a marker's access must
// not touch marking state, and several server processes share one token
// namespace.
type Auth struct {
	enabled     bool
	redis       *redis.Client
	keyTemplate string
	tokenHeader string
}

func NewAuth(config *Config) (*Auth, error) {
	if !config.Server.EnableAuth {
		return &Auth{enabled: false}, nil
	}

	tpl := config.Auth.TokenKeyTemplate
	if !strings.Contains(tpl, "{exam}") || !strings.Contains(tpl, "{username}") {
		return nil, fmt.Errorf("token key template %q must contain {exam} and {username}", tpl)
	}

	opt, err := redis.ParseURL(config.Auth.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Auth{
		enabled:     true,
		redis:       client,
		keyTemplate: tpl,
		tokenHeader: config.Auth.TokenHeader,
	}, nil
}

// TokenManager shares the auth redis connection. Nil when token auth is
// disabled.
func (a *Auth) TokenManager() *TokenManager {
	if a == nil || !a.enabled {
		return nil
	}
	return NewTokenManager(a.redis, a.keyTemplate)
}

func (a *Auth) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

func (a *Auth) ValidateToken(ctx context.Context, exam, username, token string) error {
	if !a.enabled {
		return nil
	}

	key := strings.NewReplacer(
		"{exam}", exam,
		"{username}", username,
	).Replace(a.keyTemplate)

	fields, err := a.redis.HGetAll(ctx, key).Result()
	if err == redis.Nil {
		logger.Debug.Printf("Token not found for key: %s", key)
		return fmt.Errorf("token not found")
	}
	if err != nil {
		logger.Debug.Printf("Redis error: %v", err)
		return fmt.Errorf("redis error: %w", err)
	}

	if fields["token"] != token {
		logger.Debug.Printf("Token mismatch for exam/username=%s/%s in %s", exam, username, key)
		return fmt.Errorf("invalid token")
	}

	// Best effort usage stamp, validation must not fail on stats.
	a.redis.HSet(ctx, key, "last_seen_dttm_utc", time.Now().UTC().Format(tokenTimeFormat))

	return nil
}
