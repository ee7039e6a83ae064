package sqlite

import (
	"context"
	"fmt"
	"math"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/calder/mnemo/internal/logging"
	"github.com/calder/mnemo/internal/memory"
)

// initVecTable creates the vec0 index once an embedding dimension is known,
// and backfills it from stored node embeddings.
func (s *Store) initVecTable() error {
	var key string
	var embedding []byte
	err := s.db.QueryRow(
		`SELECT entity_key, embedding FROM nodes
		 WHERE embedding IS NOT NULL LIMIT 1`).Scan(&key, &embedding)
	if err != nil {
		return nil // no embeddings yet; table is created on first upsert
	}
	r, err := s.GetNode(context.Background(), key)
	if err != nil || len(r.Embedding) == 0 {
		return nil
	}
	if err := s.ensureVecTable(len(r.Embedding)); err != nil {
		return err
	}

	nodes, err := s.AllNodes(context.Background())
	if err != nil {
		return err
	}
	for _, n := range nodes {
		s.upsertNodeVec(n.EntityKey, n.Embedding)
	}
	return nil
}

func (s *Store) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS node_vec USING vec0(
			entity_key TEXT PRIMARY KEY,
			embedding float[%d]
		)`, dim))
	if err != nil {
		return fmt.Errorf("create vec table: %w", err)
	}
	s.vecDim = dim
	return nil
}

// upsertNodeVec mirrors a node embedding into the vec index. Best effort:
// similarity falls back to a full scan when the index is unavailable.
func (s *Store) upsertNodeVec(key string, embedding []float32) {
	if !s.vecAvailable || len(embedding) == 0 {
		return
	}
	if s.vecDim == 0 {
		if err := s.ensureVecTable(len(embedding)); err != nil {
			logging.Debug("store", "vec table: %v", err)
			return
		}
	}
	if len(embedding) != s.vecDim {
		logging.Debug("store", "vec upsert skipped for %s: dim %d != %d", key, len(embedding), s.vecDim)
		return
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return
	}
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO node_vec (entity_key, embedding) VALUES (?, ?)`,
		key, blob); err != nil {
		logging.Debug("store", "vec upsert failed for %s: %v", key, err)
	}
}

// FindSimilarNodes returns up to limit non-archived nodes of the user ranked
// by cosine similarity to vec. Uses the vec0 KNN index when available,
// otherwise a full scan.
func (s *Store) FindSimilarNodes(ctx context.Context, userID string, vec []float32, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.vecAvailable && s.vecDim == len(vec) && s.vecDim > 0 {
		if out, err := s.findSimilarVec(ctx, userID, vec, limit); err == nil {
			return out, nil
		} else {
			logging.Debug("store", "vec search failed, falling back: %v", err)
		}
	}
	return s.findSimilarScan(ctx, userID, vec, limit)
}

func (s *Store) findSimilarVec(ctx context.Context, userID string, vec []float32, limit int) ([]*memory.Record, error) {
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, err
	}
	// Overfetch: the vec table is not user- or state-filtered.
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_key FROM node_vec
		 WHERE embedding MATCH ? AND k = ?
		 ORDER BY distance`, blob, limit*4)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*memory.Record
	for _, k := range keys {
		r, err := s.GetNode(ctx, k)
		if err != nil {
			continue
		}
		if r.UserID != userID || r.State == memory.StateArchived {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) findSimilarScan(ctx context.Context, userID string, vec []float32, limit int) ([]*memory.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE user_id = ? AND state != 'archived' AND embedding IS NOT NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("similarity scan: %w", err)
	}
	nodes, err := scanNodeRows(rows)
	if err != nil {
		return nil, err
	}

	type scored struct {
		rec   *memory.Record
		score float64
	}
	var candidates []scored
	for _, n := range nodes {
		if len(n.Embedding) != len(vec) {
			continue
		}
		candidates = append(candidates, scored{n, cosineSimilarity(vec, n.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*memory.Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
