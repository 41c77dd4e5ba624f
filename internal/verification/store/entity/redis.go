package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gigverify/internal/verification/models"
	"gigverify/pkg/platform/sentinel"
)

const (
	entityKeyPrefix = "gigverify:entity:"
	roleIndexPrefix = "gigverify:entities:"
)

// RedisStore keeps each entity as a JSON document and uses WATCH for
// optimistic version checks, so concurrent writers from several instances
// cannot overwrite each other silently.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func entityKey(ref models.EntityRef) string {
	return entityKeyPrefix + string(ref.Role) + ":" + ref.ID
}

func roleIndexKey(role models.Role) string {
	return roleIndexPrefix + string(role)
}

func (s *RedisStore) Create(ctx context.Context, e *models.Entity) error {
	stored := e.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	created, err := s.client.SetNX(ctx, entityKey(e.Ref()), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	if !created {
		return sentinel.ErrDuplicate
	}
	if err := s.client.SAdd(ctx, roleIndexKey(e.Role), e.ID).Err(); err != nil {
		return fmt.Errorf("index entity: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, ref models.EntityRef) (*models.Entity, error) {
	raw, err := s.client.Get(ctx, entityKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return decodeEntity(raw)
}

func (s *RedisStore) List(ctx context.Context, role models.Role) ([]*models.Entity, error) {
	roles := []models.Role{role}
	if role == "" {
		roles = []models.Role{models.RoleStore, models.RoleGig}
	}

	var keys []string
	for _, r := range roles {
		ids, err := s.client.SMembers(ctx, roleIndexKey(r)).Result()
		if err != nil {
			return nil, fmt.Errorf("list entity ids: %w", err)
		}
		for _, id := range ids {
			keys = append(keys, entityKey(models.EntityRef{Role: r, ID: id}))
		}
	}
	if len(keys) == 0 {
		return []*models.Entity{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	out := make([]*models.Entity, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeEntity([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntities(out)
	return out, nil
}

// Update writes e only if the stored version still equals expectedVersion.
// A concurrent write between WATCH and EXEC surfaces as sentinel.ErrConflict.
func (s *RedisStore) Update(ctx context.Context, e *models.Entity, expectedVersion int64) (*models.Entity, error) {
	key := entityKey(e.Ref())
	var next *models.Entity

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get entity: %w", err)
		}
		current, err := decodeEntity(raw)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return sentinel.ErrConflict
		}

		next = e.Clone()
		next.RegisteredAt = current.RegisteredAt
		next.Version = expectedVersion + 1
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal entity: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, sentinel.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func decodeEntity(raw []byte) (*models.Entity, error) {
	var e models.Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if e.Documents == nil {
		e.Documents = map[string]models.DocumentUpload{}
	}
	return &e, nil
}
