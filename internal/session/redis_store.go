// Package session provides Redis-backed storage for sign-in sessions,
// cached workbook state, triage state, and canonical record payloads.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	workbookCachePrefix = "workbook_cache::"
	triageStatePrefix   = "triage_state::"
	qaHistoryKey        = "qa_runner_history"
	refreshPrefix       = "refresh:"

	workbookTTL = 24 * time.Hour
	triageTTL   = 24 * time.Hour
	refreshTTL  = 30 * 24 * time.Hour
	maxQARuns   = 50
)

// TokenData holds the data stored for each refresh token.
type TokenData struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkbookCache is the persisted shape of a parsed workbook session.
type WorkbookCache struct {
	DatasetID  string          `json:"dataset_id"`
	SourceFile string          `json:"source_file"`
	SavedAt    time.Time       `json:"saved_at"`
	Payload    json.RawMessage `json:"payload"`
}

// TriageCache is the persisted shape of the triage aggregate.
type TriageCache struct {
	DatasetID string          `json:"dataset_id"`
	SavedAt   time.Time       `json:"saved_at"`
	Payload   json.RawMessage `json:"payload"`
}

// QARun is one entry in the shared QA runner history.
type QARun struct {
	RunID     string    `json:"run_id"`
	DatasetID string    `json:"dataset_id"`
	ActorID   string    `json:"actor_id"`
	Passed    int       `json:"passed"`
	Failed    int       `json:"failed"`
	RanAt     time.Time `json:"ran_at"`
}

// RedisStore is the session and cache backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// recordKey builds the canonical record payload key.
func recordKey(tenant, datasetID, recordID string) string {
	return fmt.Sprintf("kiwi/v1/%s/records/%s/%s.json", tenant, datasetID, recordID)
}

// SaveRefreshSession stores a refresh token with expiration.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID, displayName, role string, expiresAt time.Time) error {
	data := TokenData{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		CreatedAt:   time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = refreshTTL
	}
	if err := s.client.Set(ctx, refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession retrieves a refresh token's identity data.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (TokenData, error) {
	jsonData, err := s.client.Get(ctx, refreshPrefix+tokenHash).Result()
	if err == redis.Nil {
		return TokenData{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return TokenData{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return TokenData{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.Role == "" {
		data.Role = "analyst"
	}
	return data, nil
}

// SaveWorkbook caches the serialized workbook for a session.
func (s *RedisStore) SaveWorkbook(ctx context.Context, sessionID string, cache WorkbookCache) error {
	cache.SavedAt = time.Now().UTC()
	jsonData, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("marshal workbook cache: %w", err)
	}
	if err := s.client.Set(ctx, workbookCachePrefix+sessionID, jsonData, workbookTTL).Err(); err != nil {
		return fmt.Errorf("save workbook cache: %w", err)
	}
	return nil
}

// LoadWorkbook restores the cached workbook. activeDatasetID may be empty
// on a fresh session; when set and the cached dataset disagrees, the
// restore is skipped and the stale cache dropped.
func (s *RedisStore) LoadWorkbook(ctx context.Context, sessionID, activeDatasetID string) (WorkbookCache, bool, error) {
	jsonData, err := s.client.Get(ctx, workbookCachePrefix+sessionID).Result()
	if err == redis.Nil {
		return WorkbookCache{}, false, nil
	}
	if err != nil {
		return WorkbookCache{}, false, fmt.Errorf("load workbook cache: %w", err)
	}
	var cache WorkbookCache
	if err := json.Unmarshal([]byte(jsonData), &cache); err != nil {
		return WorkbookCache{}, false, fmt.Errorf("unmarshal workbook cache: %w", err)
	}
	if activeDatasetID != "" && cache.DatasetID != activeDatasetID {
		log.Printf("session_skip_dataset_mismatch session=%s cached=%s active=%s",
			sessionID, cache.DatasetID, activeDatasetID)
		s.client.Del(ctx, workbookCachePrefix+sessionID)
		return WorkbookCache{}, false, nil
	}
	return cache, true, nil
}

// SaveTriage caches the serialized triage aggregate for a session.
func (s *RedisStore) SaveTriage(ctx context.Context, sessionID string, cache TriageCache) error {
	cache.SavedAt = time.Now().UTC()
	jsonData, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("marshal triage cache: %w", err)
	}
	if err := s.client.Set(ctx, triageStatePrefix+sessionID, jsonData, triageTTL).Err(); err != nil {
		return fmt.Errorf("save triage cache: %w", err)
	}
	return nil
}

// LoadTriage restores the cached triage state with the same dataset guard
// as LoadWorkbook.
func (s *RedisStore) LoadTriage(ctx context.Context, sessionID, activeDatasetID string) (TriageCache, bool, error) {
	jsonData, err := s.client.Get(ctx, triageStatePrefix+sessionID).Result()
	if err == redis.Nil {
		return TriageCache{}, false, nil
	}
	if err != nil {
		return TriageCache{}, false, fmt.Errorf("load triage cache: %w", err)
	}
	var cache TriageCache
	if err := json.Unmarshal([]byte(jsonData), &cache); err != nil {
		return TriageCache{}, false, fmt.Errorf("unmarshal triage cache: %w", err)
	}
	if activeDatasetID != "" && cache.DatasetID != activeDatasetID {
		log.Printf("session_skip_dataset_mismatch session=%s cached=%s active=%s",
			sessionID, cache.DatasetID, activeDatasetID)
		s.client.Del(ctx, triageStatePrefix+sessionID)
		return TriageCache{}, false, nil
	}
	return cache, true, nil
}

// AppendQARun pushes a run onto the shared history, keeping the newest
// entries.
func (s *RedisStore) AppendQARun(ctx context.Context, run QARun) error {
	jsonData, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal qa run: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, qaHistoryKey, jsonData)
	pipe.LTrim(ctx, qaHistoryKey, 0, maxQARuns-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append qa run: %w", err)
	}
	return nil
}

// QAHistory returns runs newest first.
func (s *RedisStore) QAHistory(ctx context.Context) ([]QARun, error) {
	raw, err := s.client.LRange(ctx, qaHistoryKey, 0, maxQARuns-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read qa history: %w", err)
	}
	runs := make([]QARun, 0, len(raw))
	for _, item := range raw {
		var run QARun
		if err := json.Unmarshal([]byte(item), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// PutRecord writes a canonical record payload.
func (s *RedisStore) PutRecord(ctx context.Context, tenant, datasetID, recordID string, payload []byte) error {
	if err := s.client.Set(ctx, recordKey(tenant, datasetID, recordID), payload, 0).Err(); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord reads a canonical record payload. The (payload, found, error)
// shape satisfies the triage resolver's store interface.
func (s *RedisStore) GetRecord(ctx context.Context, tenant, datasetID, recordID string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, recordKey(tenant, datasetID, recordID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get record: %w", err)
	}
	return []byte(raw), true, nil
}

// SignOut revokes the refresh token and clears the session's cached state.
// The shared QA history and canonical records survive sign-out.
func (s *RedisStore) SignOut(ctx context.Context, tokenHash, sessionID string) error {
	keys := []string{
		refreshPrefix + tokenHash,
		workbookCachePrefix + sessionID,
		triageStatePrefix + sessionID,
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
