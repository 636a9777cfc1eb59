package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/pkg/tracing"
)

const (
	sessionKeyPrefix = "talkpair:session:"
	waitingKey       = "talkpair:sessions:waiting"

	fieldStatus  = "status"
	fieldCreated = "created"
	fieldOffer   = "offer"
	fieldAnswer  = "answer"

	eventStatus      = "status"
	eventDescription = "description"
	eventDeleted     = "deleted"
	eventCandidates  = "candidates:"
)

// claimScript flips a waiting session to matched and drops it from the
// waiting index in one step. Returns -1 when the session is missing.
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= 'waiting' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'matched')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// setOnceScript writes a hash field only if the session exists and the field is unset.
var setOnceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)

var appendCandidateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('RPUSH', KEYS[2], ARGV[1])
`)

type RedisSessionRepository struct {
	client *redis.Client
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionStore {
	return &RedisSessionRepository{client: client}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return sessionKeyPrefix + string(id)
}

func (r *RedisSessionRepository) candidatesKey(id domain.SessionID, origin domain.Role) string {
	return r.sessionKey(id) + ":candidates:" + string(origin)
}

func (r *RedisSessionRepository) eventsChannel(id domain.SessionID) string {
	return r.sessionKey(id) + ":events"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "create", "redis")
	defer span.End()
	key := r.sessionKey(session.ID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check session in Redis: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	created := session.CreatedAt.UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldStatus, string(session.Status),
			fieldCreated, created,
		)
		if session.Status == domain.StatusWaiting {
			pipe.ZAdd(ctx, waitingKey, redis.Z{Score: float64(created), Member: string(session.ID)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, id domain.SessionID) (*domain.SessionDocument, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return decodeDocument(id, fields)
}

func (r *RedisSessionRepository) ListWaiting(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.ZRange(ctx, waitingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.sessionKey(domain.SessionID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load waiting sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// index entry outlived its hash
			r.client.ZRem(ctx, waitingKey, id)
			continue
		}
		if domain.SessionStatus(fields[fieldStatus]) != domain.StatusWaiting {
			continue
		}
		doc, err := decodeDocument(domain.SessionID(id), fields)
		if err != nil {
			// without a usable timestamp the room reads as stale and gets deleted
			sessions = append(sessions, &domain.Session{ID: domain.SessionID(id), Status: domain.StatusWaiting})
			continue
		}
		session := doc.Session
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

func (r *RedisSessionRepository) Claim(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "claim", "redis")
	defer span.End()

	result, err := claimScript.Run(ctx, r.client, []string{r.sessionKey(id), waitingKey}, string(id)).Int64()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to claim session: %w", err)
	}

	switch result {
	case -1:
		return domain.ErrSessionNotFound
	case 0:
		return domain.ErrSessionAlreadyClaimed
	}

	r.publish(ctx, id, eventStatus)
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.sessionKey(id))
		pipe.Del(ctx,
			r.candidatesKey(id, domain.RoleCaller),
			r.candidatesKey(id, domain.RoleCallee),
		)
		pipe.ZRem(ctx, waitingKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}

	r.publish(ctx, id, eventDeleted)
	return nil
}

func (r *RedisSessionRepository) SetDescription(ctx context.Context, id domain.SessionID, desc domain.Description) error {
	var field string
	switch desc.Kind {
	case domain.DescriptionOffer:
		field = fieldOffer
	case domain.DescriptionAnswer:
		field = fieldAnswer
	default:
		return domain.ErrMalformedMessage
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal description: %w", err)
	}

	result, err := setOnceScript.Run(ctx, r.client, []string{r.sessionKey(id)}, field, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", field, err)
	}

	switch result {
	case -1:
		return domain.ErrSessionNotFound
	case 0:
		return domain.ErrDescriptionExists
	}

	r.publish(ctx, id, eventDescription)
	return nil
}

func (r *RedisSessionRepository) AddCandidate(ctx context.Context, id domain.SessionID, candidate domain.Candidate) error {
	if !candidate.Origin.Valid() {
		return domain.ErrInvalidRole
	}

	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	keys := []string{r.sessionKey(id), r.candidatesKey(id, candidate.Origin)}
	result, err := appendCandidateScript.Run(ctx, r.client, keys, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	if result == -1 {
		return domain.ErrSessionNotFound
	}

	r.publish(ctx, id, eventCandidates+string(candidate.Origin))
	return nil
}

// WatchSession subscribes before reading so no mutation between the initial
// read and the subscription is lost. Every notification triggers a fresh read.
func (r *RedisSessionRepository) WatchSession(ctx context.Context, id domain.SessionID) (<-chan *domain.SessionDocument, error) {
	pubsub, err := r.subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.SessionDocument)
	go func() {
		defer close(out)
		defer pubsub.Close()

		send := func(doc *domain.SessionDocument) bool {
			select {
			case out <- doc:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// emit reports whether watching should continue
		emit := func() bool {
			doc, err := r.Get(ctx, id)
			if errors.Is(err, domain.ErrSessionNotFound) {
				send(nil)
				return false
			}
			if err != nil {
				return ctx.Err() == nil
			}
			return send(doc)
		}

		if !emit() {
			return
		}

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if strings.HasPrefix(msg.Payload, eventCandidates) {
					continue
				}
				if msg.Payload == eventDeleted {
					send(nil)
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

// WatchCandidates replays the stored list and then follows appends using a
// cursor, so each candidate is emitted once per watch.
func (r *RedisSessionRepository) WatchCandidates(ctx context.Context, id domain.SessionID, origin domain.Role) (<-chan domain.Candidate, error) {
	if !origin.Valid() {
		return nil, domain.ErrInvalidRole
	}

	pubsub, err := r.subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	key := r.candidatesKey(id, origin)
	out := make(chan domain.Candidate)
	go func() {
		defer close(out)
		defer pubsub.Close()

		var cursor int64
		drain := func() bool {
			items, err := r.client.LRange(ctx, key, cursor, -1).Result()
			if err != nil {
				return ctx.Err() == nil
			}
			for _, item := range items {
				cursor++
				var c domain.Candidate
				if err := json.Unmarshal([]byte(item), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		exists, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
		if err != nil || exists == 0 {
			return
		}
		if !drain() {
			return
		}

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				switch msg.Payload {
				case eventDeleted:
					return
				case eventCandidates + string(origin):
					if !drain() {
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func (r *RedisSessionRepository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSessionRepository) subscribe(ctx context.Context, id domain.SessionID) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, r.eventsChannel(id))
	// wait for the subscription confirmation before reading state
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	return pubsub, nil
}

func (r *RedisSessionRepository) publish(ctx context.Context, id domain.SessionID, event string) {
	// watchers re-read state, so a lost notification only delays them until the next one
	_ = r.client.Publish(ctx, r.eventsChannel(id), event).Err()
}

func decodeDocument(id domain.SessionID, fields map[string]string) (*domain.SessionDocument, error) {
	doc := &domain.SessionDocument{
		Session: domain.Session{
			ID:     id,
			Status: domain.SessionStatus(fields[fieldStatus]),
		},
	}

	if raw, ok := fields[fieldCreated]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid created timestamp for session %s: %w", id, err)
		}
		doc.Session.CreatedAt = time.UnixMilli(ms)
	}

	for field, target := range map[string]**domain.Description{
		fieldOffer:  &doc.Offer,
		fieldAnswer: &doc.Answer,
	} {
		raw, ok := fields[field]
		if !ok || raw == "" {
			continue
		}
		var desc domain.Description
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s for session %s: %w", field, id, err)
		}
		*target = &desc
	}

	return doc, nil
}
