package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"veridoc/internal/platform/redis"
	"veridoc/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "veridoc:session:"
	otpKeyPrefix     = "veridoc:otp:"

	// Codes and tokens outlive their logical expiry in storage so that a
	// late attempt reads "expired" instead of "not found".
	otpStorageGrace = time.Hour

	// Bounded optimistic retries for WATCH-guarded session updates.
	sessionUpdateRetries = 5
)

// RedisSessionStore persists sessions as JSON blobs, guarded by optimistic
// WATCH transactions so concurrent confirmations never lose writes.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (s *RedisSessionStore) Create(ctx context.Context, session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) AddConfirmation(ctx context.Context, sessionID string, conf Confirmation, att Attestation) error {
	return s.update(ctx, sessionID, func(session *Session) error {
		if session.Status == StatusClosed {
			return sentinel.ErrInvalidState
		}
		if session.Confirmations == nil {
			session.Confirmations = map[string]Confirmation{}
		}
		session.Confirmations[conf.Participant] = conf
		session.Attestations = append(session.Attestations, att)
		return nil
	})
}

func (s *RedisSessionStore) SetClosed(ctx context.Context, sessionID string, result CloseResult) error {
	return s.update(ctx, sessionID, func(session *Session) error {
		if session.Status == StatusClosed {
			return sentinel.ErrInvalidState
		}
		session.Status = StatusClosed
		session.Close = &result
		return nil
	})
}

// update runs a read-modify-write under WATCH, retrying lost races.
func (s *RedisSessionStore) update(ctx context.Context, sessionID string, mutate func(*Session) error) error {
	key := sessionKey(sessionID)
	for attempt := 0; attempt < sessionUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return sentinel.ErrNotFound
			}
			if err != nil {
				return err
			}
			var session Session
			if err := json.Unmarshal(data, &session); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			if err := mutate(&session); err != nil {
				return err
			}
			updated, err := json.Marshal(session)
			if err != nil {
				return fmt.Errorf("encode session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return sentinel.ErrConflict
}

// RedisOTPStore keeps one-time code state in a redis hash per participant.
// HIncrBy gives the atomic attempt counter without a distributed lock.
type RedisOTPStore struct {
	client *redis.Client
}

func NewRedisOTPStore(client *redis.Client) *RedisOTPStore {
	return &RedisOTPStore{client: client}
}

func redisOTPKey(sessionID, participantID string) string {
	return otpKeyPrefix + sessionID + ":" + participantID
}

func (s *RedisOTPStore) Put(ctx context.Context, sessionID, participantID string, rec OTPRecord, ttl time.Duration) error {
	key := redisOTPKey(sessionID, participantID)
	fields := map[string]any{
		"otp_hash":   rec.OTPHash,
		"attempts":   rec.Attempts,
		"expires_at": rec.ExpiresAt.UnixMilli(),
		"revoked":    boolField(rec.TokenRevoked),
	}
	if rec.TokenHash != "" {
		fields["token_hash"] = rec.TokenHash
		fields["token_expires_at"] = rec.TokenExpiresAt.UnixMilli()
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl+otpStorageGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store otp record: %w", err)
	}
	return nil
}

func (s *RedisOTPStore) Get(ctx context.Context, sessionID, participantID string) (*OTPRecord, error) {
	values, err := s.client.HGetAll(ctx, redisOTPKey(sessionID, participantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load otp record: %w", err)
	}
	if len(values) == 0 {
		return nil, sentinel.ErrNotFound
	}

	rec := &OTPRecord{
		OTPHash:      values["otp_hash"],
		TokenHash:    values["token_hash"],
		TokenRevoked: values["revoked"] == "1",
	}
	rec.Attempts, _ = strconv.Atoi(values["attempts"])
	rec.ExpiresAt = parseMilli(values["expires_at"])
	rec.TokenExpiresAt = parseMilli(values["token_expires_at"])
	if v := values["verified_at"]; v != "" {
		at := parseMilli(v)
		rec.VerifiedAt = &at
	}
	return rec, nil
}

func (s *RedisOTPStore) IncrementAttempts(ctx context.Context, sessionID, participantID string) (int, error) {
	n, err := s.client.HIncrBy(ctx, redisOTPKey(sessionID, participantID), "attempts", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("count attempt: %w", err)
	}
	return int(n), nil
}

// MarkVerified writes verified_at with HSETNX so exactly one caller consumes
// the code even when two confirmations race past the same unverified read.
func (s *RedisOTPStore) MarkVerified(ctx context.Context, sessionID, participantID string, at time.Time) error {
	ok, err := s.client.HSetNX(ctx, redisOTPKey(sessionID, participantID), "verified_at", at.UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if !ok {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *RedisOTPStore) RevokeToken(ctx context.Context, sessionID, participantID string) error {
	return s.client.HSet(ctx, redisOTPKey(sessionID, participantID), "revoked", "1").Err()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseMilli(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
