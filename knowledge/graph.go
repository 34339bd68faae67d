// Package knowledge maintains the clause cross-reference graph: which
// documents and chunks mention which ISO 26262 clauses.
package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID          string
	Path        string
	SourceLabel string
	Title       string
	SHA         string
	Chunks      []Chunk
}

type Chunk struct {
	ID      string
	Ordinal int
	Text    string
	Clauses []string
}

// Clause references as they appear in the standard's prose: dotted clause
// numbers ("9.4.2"), part references ("Part 6"), and full part identifiers
// ("ISO 26262-3").
var clausePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bISO\s*26262-\d+\b`),
	regexp.MustCompile(`\bPart\s+\d+\b`),
	regexp.MustCompile(`\b\d+\.\d+(?:\.\d+)*\b`),
}

// DetectClauseRefs extracts the clause references mentioned in a chunk of
// text, deduplicated in order of first mention.
func DetectClauseRefs(text string) []string {
	seen := make(map[string]struct{})
	refs := make([]string, 0, 4)

	for _, pattern := range clausePatterns {
		for _, match := range pattern.FindAllString(text, -1) {
			ref := normalizeRef(match)
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	return refs
}

func normalizeRef(ref string) string {
	ref = strings.Join(strings.Fields(ref), " ")
	return strings.TrimSpace(ref)
}

// SyncDocument replaces the document's chunk and clause-mention nodes in the
// graph. Stale clause nodes nothing mentions anymore are removed afterwards.
func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.path = $path,
			    d.source_label = $label,
			    d.title = $title,
			    d.sha256 = $sha,
			    d.updated_at = datetime()
		`, map[string]any{
			"id":    doc.ID,
			"path":  doc.Path,
			"label": doc.SourceLabel,
			"title": doc.Title,
			"sha":   doc.SHA,
		}); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.ordinal = $ordinal
				MERGE (d)-[:HAS_CHUNK {order: $ordinal}]->(c)
			`, map[string]any{
				"doc_id":   doc.ID,
				"chunk_id": chunk.ID,
				"ordinal":  chunk.Ordinal,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}

			for _, clause := range chunk.Clauses {
				if clause == "" {
					continue
				}
				if _, err := tx.Run(ctx, `
					MATCH (c:Chunk {id: $chunk_id})
					MERGE (cl:Clause {ref: $ref})
					MERGE (c)-[:MENTIONS]->(cl)
				`, map[string]any{
					"chunk_id": chunk.ID,
					"ref":      clause,
				}); err != nil {
					return nil, fmt.Errorf("upsert clause mention: %w", err)
				}
			}
		}

		return nil, nil
	})

	if err == nil {
		if _, cleanupErr := session.Run(ctx, `
			MATCH (cl:Clause)
			WHERE NOT (cl)<-[:MENTIONS]-(:Chunk)
			DELETE cl
		`, nil); cleanupErr != nil {
			err = cleanupErr
		}
	}

	return err
}

// Purge removes every document, chunk, and clause node.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (cl:Clause) DETACH DELETE cl",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}
