package schema

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Embedder turns text into a vector. Supplying one is the caller's job; it
// is typically backed by the same LLM gateway used for chat completions.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// QdrantMatcher is the optional vector-similarity FieldMatcher backend, used
// when a datasource's field captions have been indexed into a Qdrant
// collection ahead of time (large schemas where edit distance alone produces
// noisy suggestions). Grounded on the teacher's qdrant vector store provider
// for client usage shape, collapsed to read-only similarity search.
type QdrantMatcher struct {
	client         *qdrant.Client
	collectionName string
	embed          Embedder
}

// NewQdrantMatcher builds a QdrantMatcher against an existing collection.
// Populating the collection (one point per field caption) is done out of
// band by whatever indexes the datasource, not by this matcher.
func NewQdrantMatcher(client *qdrant.Client, collectionName string, embed Embedder) *QdrantMatcher {
	return &QdrantMatcher{client: client, collectionName: collectionName, embed: embed}
}

// Suggest returns up to limit captions ranked by cosine similarity to query.
func (m *QdrantMatcher) Suggest(ctx context.Context, query string, limit int) ([]Match, error) {
	vector, err := m.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to embed query for qdrant match: %w", err)
	}

	points, err := m.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: m.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          ptrUint64(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("schema: qdrant query against %s failed: %w", m.collectionName, err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		caption := ""
		if payload := p.GetPayload(); payload != nil {
			if v, ok := payload["caption"]; ok {
				caption = v.GetStringValue()
			}
		}
		if caption == "" {
			continue
		}
		matches = append(matches, Match{Caption: caption, Score: float64(p.GetScore())})
	}
	return matches, nil
}

func ptrUint64(v uint64) *uint64 { return &v }
