package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// RedisStore implements Store backed by Redis.
// Records are JSON strings; sorted sets keep creation order and the
// fingerprint index; hashes hold artifact links keyed for idempotency.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "lineage")
	Prefix string

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "lineage",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient builds a client from cfg and verifies connectivity.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lineage"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

// Key helpers
func (s *RedisStore) keySeq() string                    { return s.prefix + ":seq" }
func (s *RedisStore) keyPipeline(id string) string      { return fmt.Sprintf("%s:pipeline:%s", s.prefix, id) }
func (s *RedisStore) keyPipelines() string              { return s.prefix + ":pipelines" }
func (s *RedisStore) keyPipelineName(n string) string   { return fmt.Sprintf("%s:pipeline-name:%s", s.prefix, n) }
func (s *RedisStore) keyPipelineVer(n string) string    { return fmt.Sprintf("%s:pipeline-version:%s", s.prefix, n) }
func (s *RedisStore) keyRun(id string) string           { return fmt.Sprintf("%s:run:%s", s.prefix, id) }
func (s *RedisStore) keyRuns() string                   { return s.prefix + ":runs" }
func (s *RedisStore) keyRunSteps(id string) string      { return fmt.Sprintf("%s:run:%s:steps", s.prefix, id) }
func (s *RedisStore) keyStep(id string) string          { return fmt.Sprintf("%s:step:%s", s.prefix, id) }
func (s *RedisStore) keyFingerprint(fp string) string   { return fmt.Sprintf("%s:fp:%s", s.prefix, fp) }
func (s *RedisStore) keyArtifact(id string) string      { return fmt.Sprintf("%s:artifact:%s", s.prefix, id) }
func (s *RedisStore) keyArtifacts() string              { return s.prefix + ":artifacts" }
func (s *RedisStore) keyStepLinks(id string) string     { return fmt.Sprintf("%s:links:step:%s", s.prefix, id) }
func (s *RedisStore) keyArtifactLinks(id string) string { return fmt.Sprintf("%s:links:artifact:%s", s.prefix, id) }

func (s *RedisStore) nextSeq(ctx context.Context) (float64, error) {
	seq, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return 0, fmt.Errorf("incr seq: %w", err)
	}
	return float64(seq), nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, notFound error, v interface{}) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return notFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// CreatePipeline stores a new pipeline version.
func (s *RedisStore) CreatePipeline(ctx context.Context, p *types.Pipeline) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	version, err := s.client.Incr(ctx, s.keyPipelineVer(p.Name)).Result()
	if err != nil {
		return fmt.Errorf("incr pipeline version: %w", err)
	}
	p.Version = int(version)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.keyPipeline(p.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.keyPipelines(), p.ID)
	pipe.ZAdd(ctx, s.keyPipelineName(p.Name), redis.Z{Score: float64(p.Version), Member: p.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index pipeline: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPipeline(ctx context.Context, id string) (*types.Pipeline, error) {
	var p types.Pipeline
	if err := s.getJSON(ctx, s.keyPipeline(id), ErrPipelineNotFound, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) GetPipelineByName(ctx context.Context, name string) (*types.Pipeline, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyPipelineName(name), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("get pipeline by name: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrPipelineNotFound
	}
	return s.GetPipeline(ctx, ids[0])
}

func (s *RedisStore) ListPipelines(ctx context.Context) ([]*types.Pipeline, error) {
	ids, err := s.client.SMembers(ctx, s.keyPipelines()).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	out := make([]*types.Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPipeline(ctx, id)
		if errors.Is(err, ErrPipelineNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, s.keyRuns(), redis.Z{Score: seq, Member: run.ID}).Err(); err != nil {
		return fmt.Errorf("index run: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	var run types.PipelineRun
	if err := s.getJSON(ctx, s.keyRun(runID), ErrRunNotFound, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first.
func (s *RedisStore) ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.PipelineRun, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyRuns(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []*types.PipelineRun
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateRun overwrites an existing run record.
func (s *RedisStore) UpdateRun(ctx context.Context, run *types.PipelineRun) error {
	run.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.keyRun(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if !ok {
		return ErrRunNotFound
	}
	return nil
}

// DeleteRun removes a run and cascades to its step runs and links.
func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	steps, err := s.ListStepRuns(ctx, runID)
	if err != nil {
		return err
	}

	removed := make(map[string]bool, len(steps))
	var produced []string
	for _, sr := range steps {
		removed[sr.ID] = true
		links, err := s.ListLinks(ctx, types.LinkFilter{StepRunID: sr.ID})
		if err != nil {
			return err
		}
		pipe := s.client.Pipeline()
		for _, l := range links {
			pipe.HDel(ctx, s.keyArtifactLinks(l.ArtifactID), linkField(l.StepRunID, l))
			if l.Direction == types.LinkOutput && !l.Virtual {
				produced = append(produced, l.ArtifactID)
			}
		}
		pipe.Del(ctx, s.keyStepLinks(sr.ID), s.keyStep(sr.ID))
		if sr.Fingerprint != "" {
			pipe.ZRem(ctx, s.keyFingerprint(sr.Fingerprint), sr.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("delete step run %s: %w", sr.ID, err)
		}
	}

	for _, id := range produced {
		remaining, err := s.client.HLen(ctx, s.keyArtifactLinks(id)).Result()
		if err != nil {
			return fmt.Errorf("count links of %s: %w", id, err)
		}
		if remaining > 0 {
			continue
		}
		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.keyArtifact(id), s.keyArtifactLinks(id))
		pipe.ZRem(ctx, s.keyArtifacts(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("delete artifact %s: %w", id, err)
		}
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.keyRun(runID), s.keyRunSteps(runID))
	pipe.ZRem(ctx, s.keyRuns(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// CreateStepRun creates a step run under an existing run.
func (s *RedisStore) CreateStepRun(ctx context.Context, sr *types.StepRun) error {
	exists, err := s.client.Exists(ctx, s.keyRun(sr.PipelineRunID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}
	if sr.ID == "" {
		sr.ID = NewID()
	}
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("marshal step run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.keyStep(sr.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create step run: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.keyRunSteps(sr.PipelineRunID), redis.Z{Score: seq, Member: sr.ID})
	if sr.Status.IsSuccessful() && sr.Fingerprint != "" {
		pipe.ZAdd(ctx, s.keyFingerprint(sr.Fingerprint), redis.Z{Score: seq, Member: sr.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index step run: %w", err)
	}
	return nil
}

// UpdateStepRun overwrites a step run and indexes it once it succeeded.
func (s *RedisStore) UpdateStepRun(ctx context.Context, sr *types.StepRun) error {
	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("marshal step run: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.keyStep(sr.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	if !ok {
		return ErrStepRunNotFound
	}
	if sr.Status.IsSuccessful() && sr.Fingerprint != "" {
		// Score by creation sequence so recency matches ListStepRuns order.
		seq, err := s.client.ZScore(ctx, s.keyRunSteps(sr.PipelineRunID), sr.ID).Result()
		if err != nil {
			return fmt.Errorf("step run sequence: %w", err)
		}
		if err := s.client.ZAdd(ctx, s.keyFingerprint(sr.Fingerprint), redis.Z{Score: seq, Member: sr.ID}).Err(); err != nil {
			return fmt.Errorf("index fingerprint: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) GetStepRun(ctx context.Context, id string) (*types.StepRun, error) {
	var sr types.StepRun
	if err := s.getJSON(ctx, s.keyStep(id), ErrStepRunNotFound, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

func (s *RedisStore) ListStepRuns(ctx context.Context, runID string) ([]*types.StepRun, error) {
	ids, err := s.client.ZRange(ctx, s.keyRunSteps(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	out := make([]*types.StepRun, 0, len(ids))
	for _, id := range ids {
		sr, err := s.GetStepRun(ctx, id)
		if errors.Is(err, ErrStepRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

// FindStepRunByFingerprint walks the fingerprint index newest first.
func (s *RedisStore) FindStepRunByFingerprint(ctx context.Context, fingerprint, pipelineName string) (*types.StepRun, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyFingerprint(fingerprint), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
	for _, id := range ids {
		sr, err := s.GetStepRun(ctx, id)
		if errors.Is(err, ErrStepRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !sr.Status.IsSuccessful() {
			continue
		}
		if pipelineName != "" && sr.PipelineName != pipelineName {
			continue
		}
		return sr, nil
	}
	return nil, nil
}

func (s *RedisStore) CreateArtifact(ctx context.Context, a *types.Artifact) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.keyArtifact(a.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, s.keyArtifacts(), redis.Z{Score: seq, Member: a.ID}).Err(); err != nil {
		return fmt.Errorf("index artifact: %w", err)
	}
	return nil
}

func (s *RedisStore) GetArtifact(ctx context.Context, id string) (*types.Artifact, error) {
	var a types.Artifact
	if err := s.getJSON(ctx, s.keyArtifact(id), ErrArtifactNotFound, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) ListArtifacts(ctx context.Context) ([]*types.Artifact, error) {
	ids, err := s.client.ZRange(ctx, s.keyArtifacts(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]*types.Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if errors.Is(err, ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// linkField is the hash field identifying a link within one side's hash.
func linkField(owner string, l *types.ArtifactLink) string {
	return strings.Join([]string{owner, string(l.Direction), l.Name}, "|")
}

// LinkArtifact records a link in both the step and artifact hashes. HSETNX
// makes repeated calls no-ops.
func (s *RedisStore) LinkArtifact(ctx context.Context, link *types.ArtifactLink) error {
	pipe := s.client.Pipeline()
	stepExists := pipe.Exists(ctx, s.keyStep(link.StepRunID))
	artifactExists := pipe.Exists(ctx, s.keyArtifact(link.ArtifactID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("check link targets: %w", err)
	}
	if stepExists.Val() == 0 {
		return ErrStepRunNotFound
	}
	if artifactExists.Val() == 0 {
		return ErrArtifactNotFound
	}

	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	pipe = s.client.Pipeline()
	pipe.HSetNX(ctx, s.keyStepLinks(link.StepRunID), linkField(link.ArtifactID, link), data)
	pipe.HSetNX(ctx, s.keyArtifactLinks(link.ArtifactID), linkField(link.StepRunID, link), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("link artifact: %w", err)
	}
	return nil
}

// ListLinks reads links from the step or artifact hash, scanning all step
// hashes when the filter names neither.
func (s *RedisStore) ListLinks(ctx context.Context, filter types.LinkFilter) ([]*types.ArtifactLink, error) {
	var keys []string
	switch {
	case filter.StepRunID != "":
		keys = []string{s.keyStepLinks(filter.StepRunID)}
	case filter.ArtifactID != "":
		keys = []string{s.keyArtifactLinks(filter.ArtifactID)}
	default:
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, s.prefix+":links:step:*", 100).Result()
			if err != nil {
				return nil, fmt.Errorf("scan links: %w", err)
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	var out []*types.ArtifactLink
	for _, key := range keys {
		values, err := s.client.HVals(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read links: %w", err)
		}
		for _, v := range values {
			var l types.ArtifactLink
			if err := json.Unmarshal([]byte(v), &l); err != nil {
				return nil, fmt.Errorf("unmarshal link: %w", err)
			}
			if filter.Matches(&l) {
				out = append(out, &l)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	info := map[string]interface{}{
		"adapter": "redis",
		"prefix":  s.prefix,
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		info["connected"] = false
		info["error"] = err.Error()
	} else {
		info["connected"] = true
	}

	if n, err := s.client.ZCard(ctx, s.keyRuns()).Result(); err == nil {
		info["runs"] = n
	}
	if n, err := s.client.ZCard(ctx, s.keyArtifacts()).Result(); err == nil {
		info["artifacts"] = n
	}
	return info, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
