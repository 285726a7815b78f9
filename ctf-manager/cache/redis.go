package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quickctf/ctf-manager/config"
	"github.com/kavos113/quickctf/ctf-manager/domain"
)

const (
	SessionKey    = "container_session:" // + session token
	FlagKey       = "dynamic_flag:"      // + session token
	EventsChannel = "ctf:container_events"
)

// Session is the cached view of an instance, keyed by its session token.
type Session struct {
	InstanceID  string `json:"instance_id"`
	ChallengeID int64  `json:"challenge_id"`
	UserID      int64  `json:"user_id"`
	TeamID      int64  `json:"team_id,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
}

func NewSession(inst *domain.Instance) *Session {
	return &Session{
		InstanceID:  inst.InstanceID,
		ChallengeID: inst.ChallengeID,
		UserID:      inst.UserID,
		TeamID:      inst.TeamID,
		Host:        inst.HostAddress,
		Port:        inst.HostPort,
	}
}

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) SaveSession(ctx context.Context, inst *domain.Instance, ttl time.Duration) error {
	if ttl <= 0 {
		return r.DeleteSession(ctx, inst.SessionToken)
	}

	data, err := json.Marshal(NewSession(inst))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.client.Set(ctx, SessionKey+inst.SessionToken, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// LookupSession returns the instance id cached for token, or
// domain.ErrInstanceNotFound when the key is absent.
func (r *RedisClient) LookupSession(ctx context.Context, token string) (string, error) {
	session, err := r.GetSession(ctx, token)
	if err != nil {
		return "", err
	}
	return session.InstanceID, nil
}

func (r *RedisClient) GetSession(ctx context.Context, token string) (*Session, error) {
	data, err := r.client.Get(ctx, SessionKey+token).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// DeleteSession drops the session and any dynamic flag bound to it.
func (r *RedisClient) DeleteSession(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, SessionKey+token, FlagKey+token).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *RedisClient) SaveFlag(ctx context.Context, token, flag string, ttl time.Duration) error {
	if err := r.client.Set(ctx, FlagKey+token, flag, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set flag: %w", err)
	}
	return nil
}

func (r *RedisClient) GetFlag(ctx context.Context, token string) (string, error) {
	flag, err := r.client.Get(ctx, FlagKey+token).Result()
	if err == redis.Nil {
		return "", domain.ErrInstanceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get flag: %w", err)
	}
	return flag, nil
}

func (r *RedisClient) PublishEvent(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (r *RedisClient) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, EventsChannel)
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
