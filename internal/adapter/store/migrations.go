package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"

	"ragkb/config"
)

// CurrentSchemaVersion is bumped for every change to the bucket layout.
const CurrentSchemaVersion = 3

var (
	keySchemaVersion = []byte("schema_version")
	keyFingerprint   = []byte("fingerprint")
)

// Fingerprint captures the settings that shape stored chunks and vectors.
// Chunks written under one fingerprint are not comparable with another's.
type Fingerprint struct {
	Strategy     string  `json:"strategy"`
	ChunkTokens  int     `json:"chunk_tokens"`
	ChunkOverlap int     `json:"chunk_overlap"`
	K1           float64 `json:"k1"`
	B            float64 `json:"b"`
	EmbProvider  string  `json:"emb_provider"`
	EmbModel     string  `json:"emb_model"`
	EmbDimension int     `json:"emb_dimension"`
}

func FingerprintOf(cfg *config.Config) Fingerprint {
	return Fingerprint{
		Strategy:     cfg.Chunking.Strategy,
		ChunkTokens:  cfg.Chunking.ChunkTokens,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
		K1:           cfg.Lexical.K1,
		B:            cfg.Lexical.B,
		EmbProvider:  cfg.Embedding.Provider,
		EmbModel:     cfg.Embedding.Model,
		EmbDimension: cfg.Embedding.Dimension,
	}
}

// Diff names the settings that differ between f and other.
func (f Fingerprint) Diff(other Fingerprint) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("chunking.strategy", f.Strategy != other.Strategy)
	add("chunking.chunk_tokens", f.ChunkTokens != other.ChunkTokens)
	add("chunking.chunk_overlap", f.ChunkOverlap != other.ChunkOverlap)
	add("lexical.k1", f.K1 != other.K1)
	add("lexical.b", f.B != other.B)
	add("embedding.provider", f.EmbProvider != other.EmbProvider)
	add("embedding.model", f.EmbModel != other.EmbModel)
	add("embedding.dimension", f.EmbDimension != other.EmbDimension)
	return changed
}

// MigrationResult is the outcome of CheckMigration.
type MigrationResult struct {
	NeedsMigration bool
	NeedsRechunk   bool
	Unsupported    bool
	OldVersion     int
	NewVersion     int
	// Changed lists the drifted settings when NeedsRechunk is set.
	Changed []string
	Reason  string
}

type migration struct {
	to    int
	name  string
	apply func(tx *bbolt.Tx) error
}

// migrations run in order; a store at version v applies every entry with to > v.
var migrations = []migration{
	{to: 3, name: "add staged bucket per tenant", apply: addStagedBuckets},
}

func (s *BoltStore) schemaVersion(tx *bbolt.Tx) int {
	data := tx.Bucket(bucketMeta).Get(keySchemaVersion)
	if data == nil {
		return 0
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 1
	}
	return v
}

func (s *BoltStore) fingerprint(tx *bbolt.Tx) (*Fingerprint, error) {
	data := tx.Bucket(bucketMeta).Get(keyFingerprint)
	if data == nil {
		return nil, nil
	}
	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	return &fp, nil
}

// CheckMigration reports pending schema upgrades and configuration drift.
// Drift never rewrites data; versions keep their chunks until rechunked.
func (s *BoltStore) CheckMigration(cfg *config.Config) (*MigrationResult, error) {
	result := &MigrationResult{NewVersion: CurrentSchemaVersion}
	err := s.db.View(func(tx *bbolt.Tx) error {
		result.OldVersion = s.schemaVersion(tx)
		stored, err := s.fingerprint(tx)
		if err != nil {
			return err
		}
		if stored != nil {
			result.Changed = stored.Diff(FingerprintOf(cfg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch v := result.OldVersion; {
	case v > CurrentSchemaVersion:
		result.Unsupported = true
		result.Reason = fmt.Sprintf("database created by newer version (v%d > v%d)", v, CurrentSchemaVersion)
		return result, nil
	case v == 0:
		result.NeedsMigration = true
		result.Reason = "initializing schema version"
	case v < CurrentSchemaVersion:
		result.NeedsMigration = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", v, CurrentSchemaVersion)
	}
	if len(result.Changed) > 0 {
		result.NeedsRechunk = true
		result.Reason = fmt.Sprintf("configuration changed: %v", result.Changed)
	}
	return result, nil
}

// Migrate brings the schema to CurrentSchemaVersion in one transaction. A
// store without a fingerprint gets the current one; an existing fingerprint
// is left alone so drift stays visible.
func (s *BoltStore) Migrate(cfg *config.Config) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		from := s.schemaVersion(tx)
		if from > CurrentSchemaVersion {
			return fmt.Errorf("database schema v%d is newer than supported v%d", from, CurrentSchemaVersion)
		}
		for _, m := range migrations {
			if m.to <= from {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration to v%d (%s): %w", m.to, m.name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keySchemaVersion, []byte(strconv.Itoa(CurrentSchemaVersion))); err != nil {
			return err
		}
		if meta.Get(keyFingerprint) != nil {
			return nil
		}
		return putFingerprint(meta, FingerprintOf(cfg))
	})
}

// RecordFingerprint marks the stored chunks as produced by cfg.
func (s *BoltStore) RecordFingerprint(cfg *config.Config) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putFingerprint(tx.Bucket(bucketMeta), FingerprintOf(cfg))
	})
}

func putFingerprint(meta *bbolt.Bucket, fp Fingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return meta.Put(keyFingerprint, data)
}

func addStagedBuckets(tx *bbolt.Tx) error {
	root := tx.Bucket(bucketTenants)
	var tenants [][]byte
	if err := root.ForEach(func(k, v []byte) error {
		if v == nil {
			tenants = append(tenants, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range tenants {
		if _, err := root.Bucket(k).CreateBucketIfNotExists(bucketStaged); err != nil {
			return err
		}
	}
	return nil
}
