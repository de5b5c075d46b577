package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

var bucketVectors = []byte("vectors")

var _ port.VectorIndex = (*BoltVectorIndex)(nil)

// BoltVectorIndex implements port.VectorIndex on its own bbolt file.
// Uses brute-force search over an in-memory copy partitioned by tenant; the
// scope filter is applied during the scan, never after truncation.
type BoltVectorIndex struct {
	db        *bbolt.DB
	dimension int
	mu        sync.RWMutex
	// tenant -> id -> entry
	vectors map[domain.TenantID]map[string]port.VectorEntry
}

type storedVector struct {
	Vector       []float32         `json:"v"`
	TenantID     domain.TenantID   `json:"t"`
	DocumentUUID string            `json:"d"`
	VersionRef   domain.VersionRef `json:"r"`
	VersionLabel string            `json:"l"`
	ChunkUID     string            `json:"c"`
	ModelName    string            `json:"m"`
	Timestamp    int64             `json:"ts"`
}

// NewBoltVectorIndex opens (or creates) the vector index at path.
func NewBoltVectorIndex(path string, dimension int) (*BoltVectorIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dimension)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create vectors bucket: %w", err)
	}

	idx := &BoltVectorIndex{
		db:        db,
		dimension: dimension,
		vectors:   make(map[domain.TenantID]map[string]port.VectorEntry),
	}
	if err := idx.loadVectors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	return idx, nil
}

func (s *BoltVectorIndex) Close() error {
	return s.db.Close()
}

func (s *BoltVectorIndex) Dimension() int {
	return s.dimension
}

func (s *BoltVectorIndex) loadVectors() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketVectors)
		return root.ForEach(func(tenant, v []byte) error {
			if v != nil {
				return nil
			}
			m := make(map[string]port.VectorEntry)
			s.vectors[domain.TenantID(tenant)] = m
			return root.Bucket(tenant).ForEach(func(k, v []byte) error {
				var stored storedVector
				if err := json.Unmarshal(v, &stored); err != nil {
					return nil // Skip corrupted entries
				}
				m[string(k)] = fromStored(string(k), stored)
				return nil
			})
		})
	})
}

func fromStored(id string, sv storedVector) port.VectorEntry {
	return port.VectorEntry{
		ID:           id,
		TenantID:     sv.TenantID,
		DocumentUUID: sv.DocumentUUID,
		VersionRef:   sv.VersionRef,
		VersionLabel: sv.VersionLabel,
		ChunkUID:     sv.ChunkUID,
		ModelName:    sv.ModelName,
		Vector:       sv.Vector,
		Timestamp:    time.Unix(0, sv.Timestamp).UTC(),
	}
}

// Upsert writes entries under their own tenant's bucket.
func (s *BoltVectorIndex) Upsert(ctx context.Context, entries []port.VectorEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := domain.ValidateTenant(e.TenantID); err != nil {
			return err
		}
		if e.ID == "" || e.ChunkUID == "" || e.VersionRef == "" {
			return domain.Invalid("vector_entry", "id, chunk_uid and version_ref are required")
		}
		if len(e.Vector) != s.dimension {
			return fmt.Errorf("%w: expected %d, got %d", domain.ErrDimensionMismatch, s.dimension, len(e.Vector))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketVectors)
		for _, e := range entries {
			b, err := root.CreateBucketIfNotExists([]byte(e.TenantID))
			if err != nil {
				return err
			}
			data, err := json.Marshal(storedVector{
				Vector:       e.Vector,
				TenantID:     e.TenantID,
				DocumentUUID: e.DocumentUUID,
				VersionRef:   e.VersionRef,
				VersionLabel: e.VersionLabel,
				ChunkUID:     e.ChunkUID,
				ModelName:    e.ModelName,
				Timestamp:    e.Timestamp.UnixNano(),
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		m := s.vectors[e.TenantID]
		if m == nil {
			m = make(map[string]port.VectorEntry)
			s.vectors[e.TenantID] = m
		}
		m[e.ID] = e
	}
	return nil
}

// Search returns the TopK entries inside the scope whose cosine similarity
// is at least MinScore.
func (s *BoltVectorIndex) Search(ctx context.Context, q port.VectorQuery) ([]port.VectorHit, error) {
	if err := q.Scope.Require("vector index"); err != nil {
		return nil, err
	}
	if len(q.Vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrDimensionMismatch, len(q.Vector), s.dimension)
	}
	if q.TopK <= 0 || q.Scope.Empty() {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant := q.Scope.Tenant()
	hits := make([]port.VectorHit, 0, q.TopK)
	n := 0
	for id, e := range s.vectors[tenant] {
		if n++; n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !q.Scope.Admits(e.TenantID, e.VersionRef) {
			continue
		}
		if q.Model != "" && e.ModelName != q.Model {
			continue
		}
		score := cosineSimilarity(q.Vector, e.Vector)
		if score < q.MinScore {
			continue
		}
		hits = append(hits, port.VectorHit{
			ID:         id,
			TenantID:   e.TenantID,
			VersionRef: e.VersionRef,
			ChunkUID:   e.ChunkUID,
			Score:      score,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// Delete removes vectors by their IDs.
func (s *BoltVectorIndex) Delete(ctx context.Context, tenant domain.TenantID, ids []string) error {
	if err := domain.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors).Bucket([]byte(tenant))
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.vectors[tenant], id)
	}
	return nil
}

func (s *BoltVectorIndex) ListIDs(ctx context.Context, tenant domain.TenantID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.vectors[tenant]))
	for id := range s.vectors[tenant] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of vectors stored for a tenant.
func (s *BoltVectorIndex) Count(ctx context.Context, tenant domain.TenantID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors[tenant]), nil
}

func (s *BoltVectorIndex) DeleteTenant(ctx context.Context, tenant domain.TenantID) error {
	if err := domain.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketVectors).DeleteBucket([]byte(tenant))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	delete(s.vectors, tenant)
	return nil
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
