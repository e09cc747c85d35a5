// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/go-redis/redis/v8"

	"promptgate/platform/shared/logger"
)

// embeddingKeyPrefix namespaces reference vectors in Redis.
const embeddingKeyPrefix = "embedding:"

// RedisVectorIndex stores reference embeddings as Redis hashes and
// scores candidates by cosine similarity in-process. The reference set
// is small (hundreds of entries), so a scan beats maintaining a
// server-side index.
type RedisVectorIndex struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisVectorIndex wraps an existing Redis client.
func NewRedisVectorIndex(client *redis.Client) *RedisVectorIndex {
	return &RedisVectorIndex{
		client: client,
		log:    logger.New("vector-index"),
	}
}

// Add implements VectorIndex.
func (idx *RedisVectorIndex) Add(ctx context.Context, entry ReferenceEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("reference entry needs an id")
	}
	if len(entry.Vector) == 0 {
		return fmt.Errorf("reference entry %q has no vector", entry.ID)
	}
	return idx.client.HSet(ctx, embeddingKeyPrefix+entry.ID, map[string]interface{}{
		"label":    entry.Label,
		"category": entry.Category,
		"severity": string(entry.Severity),
		"vector":   encodeVector(entry.Vector),
	}).Err()
}

// Delete implements VectorIndex.
func (idx *RedisVectorIndex) Delete(ctx context.Context, id string) error {
	return idx.client.Del(ctx, embeddingKeyPrefix+id).Err()
}

// Count implements VectorIndex.
func (idx *RedisVectorIndex) Count(ctx context.Context) (int, error) {
	count := 0
	iter := idx.client.Scan(ctx, 0, embeddingKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}

// Search implements VectorIndex: top-K references by cosine
// similarity, sorted descending. Entries with mismatched dimensions
// are skipped (they belong to an older embedding model).
func (idx *RedisVectorIndex) Search(ctx context.Context, vector []float32, topK int) ([]Reference, error) {
	var refs []Reference

	iter := idx.client.Scan(ctx, 0, embeddingKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := idx.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		stored, err := decodeVector(fields["vector"])
		if err != nil || len(stored) != len(vector) {
			idx.log.Warn("", "skipping reference with unusable vector", map[string]interface{}{
				"key": key,
			})
			continue
		}
		refs = append(refs, Reference{
			ID:         key[len(embeddingKeyPrefix):],
			Label:      fields["label"],
			Category:   fields["category"],
			Severity:   Severity(fields["severity"]),
			Similarity: cosineSimilarity(vector, stored),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Similarity != refs[j].Similarity {
			return refs[i].Similarity > refs[j].Similarity
		}
		return refs[i].ID < refs[j].ID
	})
	if len(refs) > topK {
		refs = refs[:topK]
	}
	return refs, nil
}

// encodeVector packs a float32 slice into little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks little-endian bytes back to float32.
func decodeVector(s string) ([]float32, error) {
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d not a multiple of 4", len(s))
	}
	v := make([]float32, len(s)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32([]byte(s[i*4 : i*4+4])))
	}
	return v, nil
}

// cosineSimilarity computes the cosine of the angle between two
// equal-length vectors. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
