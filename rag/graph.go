package rag

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphStore enriches sources with clause cross-references from the
// knowledge graph. Best-effort; failures never fail the ask.
type GraphStore interface {
	RelatedClauses(ctx context.Context, docIDs []string) (map[string][]string, error)
}

type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{driver: driver}
}

func (s *Neo4jGraphStore) RelatedClauses(ctx context.Context, docIDs []string) (map[string][]string, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string][]string{}, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (d:Document)
		WHERE d.id IN $ids
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(:Chunk)-[:MENTIONS]->(cl:Clause)
		RETURN d.id AS id, [ref IN collect(DISTINCT cl.ref) WHERE ref IS NOT NULL] AS clauses
	`, map[string]any{"ids": docIDs})
	if err != nil {
		return nil, fmt.Errorf("run clause reference query: %w", err)
	}

	related := make(map[string][]string, len(docIDs))
	for result.Next(ctx) {
		record := result.Record()
		idVal, _ := record.Get("id")
		clausesVal, _ := record.Get("clauses")

		docID, ok := idVal.(string)
		if !ok {
			continue
		}
		related[docID] = toStringSlice(clausesVal)
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("clause reference result error: %w", err)
	}

	return related, nil
}

var _ GraphStore = (*Neo4jGraphStore)(nil)

func toStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if v, ok := value.([]string); ok {
			return v
		}
		return nil
	}

	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}
