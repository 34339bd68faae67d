package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pgvector/pgvector-go"

	"github.com/safetydesk/iso-assistant/database"
	"github.com/safetydesk/iso-assistant/embeddings"
	"github.com/safetydesk/iso-assistant/knowledge"
	"github.com/safetydesk/iso-assistant/retrieval"
)

type Service struct {
	pool      *pgxpool.Pool
	driver    neo4j.DriverWithContext
	embedder  embeddings.Embedder
	logger    *log.Logger
	dimension int
	chunker   Chunker
}

func NewService(
	pool *pgxpool.Pool,
	driver neo4j.DriverWithContext,
	embedder embeddings.Embedder,
	logger *log.Logger,
	dimension int,
	chunker Chunker,
) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		pool:      pool,
		driver:    driver,
		embedder:  embedder,
		logger:    logger,
		dimension: dimension,
		chunker:   chunker,
	}
}

// IngestDirectory walks dir for supported documents and indexes each one.
// Unchanged documents (same content hash) are skipped.
func (s *Service) IngestDirectory(ctx context.Context, dir string) error {
	if s.embedder == nil {
		return fmt.Errorf("embedder not configured")
	}
	if err := database.EnsureCorpusSchema(ctx, s.pool, s.dimension); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk data directory: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Printf("no documents found in %s", dir)
		return nil
	}

	for _, path := range entries {
		if err := s.ingestFile(ctx, dir, path); err != nil {
			s.logger.Printf("ingest failed for %s: %v", path, err)
		}
	}

	return nil
}

func (s *Service) ingestFile(ctx context.Context, root, path string) (err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)
	label := SourceLabel(relPath)

	parsed, err := Parse(path, data)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])

	fragments := s.chunker.Chunk(parsed.Text)
	if len(fragments) == 0 {
		s.logger.Printf("skip empty document %s", path)
		return nil
	}

	texts := make([]string, len(fragments))
	for i, fragment := range fragments {
		texts[i] = fragment.Text
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(fragments) {
		return fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(fragments), len(vectors))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	docID, changed, err := upsertDocument(ctx, tx, relPath, label, parsed.Title, hashHex)
	if err != nil {
		return err
	}

	chunkNodes := make([]knowledge.Chunk, 0, len(fragments))

	if changed {
		if _, err = tx.Exec(ctx, "DELETE FROM corpus_chunks WHERE document_id = $1", docID); err != nil {
			return fmt.Errorf("clear existing chunks: %w", err)
		}

		for idx, fragment := range fragments {
			chunkID := uuid.New()
			chunkNodes = append(chunkNodes, knowledge.Chunk{
				ID:      chunkID.String(),
				Ordinal: idx,
				Text:    fragment.Text,
				Clauses: knowledge.DetectClauseRefs(fragment.Text),
			})

			vec := pgvector.NewVector(vectors[idx])
			if _, err := tx.Exec(ctx, `
				INSERT INTO corpus_chunks (id, document_id, ordinal, start_offset, end_offset, content, embedding, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
			`, chunkID, docID, idx, fragment.Start, fragment.End, fragment.Text, vec); err != nil {
				return fmt.Errorf("insert chunk %d: %w", idx, err)
			}
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit transaction: %w", commitErr)
	}

	if len(chunkNodes) == 0 {
		s.logger.Printf("no updates required for %s", relPath)
		return nil
	}

	if s.driver != nil {
		doc := knowledge.Document{
			ID:          docID.String(),
			Path:        relPath,
			SourceLabel: label,
			Title:       parsed.Title,
			SHA:         hashHex,
			Chunks:      chunkNodes,
		}
		if err := knowledge.SyncDocument(ctx, s.driver, doc); err != nil {
			return fmt.Errorf("sync clause graph: %w", err)
		}
	}

	s.logger.Printf("ingested %s (%d chunks)", relPath, len(chunkNodes))
	return nil
}

// ExportArtifact snapshots the full Postgres index into a gob artifact for
// in-memory serving; the artifact watcher swaps it in atomically.
func (s *Service) ExportArtifact(ctx context.Context, path string) error {
	rows, err := s.pool.Query(ctx, `
		SELECT cc.id, cc.document_id, cd.source_label, cc.ordinal, cc.start_offset, cc.end_offset, cc.content, cc.embedding
		FROM corpus_chunks cc
		JOIN corpus_documents cd ON cd.id = cc.document_id
		ORDER BY cd.source_path, cc.ordinal
	`)
	if err != nil {
		return fmt.Errorf("query corpus chunks: %w", err)
	}
	defer rows.Close()

	snap := &retrieval.Snapshot{Dimension: s.dimension}
	for rows.Next() {
		var passage retrieval.Passage
		var vec pgvector.Vector
		if err := rows.Scan(
			&passage.ID,
			&passage.DocumentID,
			&passage.SourceLabel,
			&passage.Ordinal,
			&passage.StartOffset,
			&passage.EndOffset,
			&passage.Text,
			&vec,
		); err != nil {
			return fmt.Errorf("scan corpus chunk: %w", err)
		}
		snap.Passages = append(snap.Passages, passage)
		snap.Vectors = append(snap.Vectors, vec.Slice())
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	if err := retrieval.SaveArtifact(path, snap); err != nil {
		return err
	}

	s.logger.Printf("exported %d passages to %s", len(snap.Passages), path)
	return nil
}

// SourceLabel derives the citable label for a document from its relative
// path: the base name without extension.
func SourceLabel(relPath string) string {
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func upsertDocument(ctx context.Context, tx pgx.Tx, path, label, title, sha string) (uuid.UUID, bool, error) {
	var (
		docID        uuid.UUID
		existingHash string
	)

	err := tx.QueryRow(ctx, "SELECT id, sha256 FROM corpus_documents WHERE source_path = $1", path).Scan(&docID, &existingHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			newID := uuid.New()
			_, execErr := tx.Exec(ctx, `
				INSERT INTO corpus_documents (id, source_path, source_label, title, sha256, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			`, newID, path, label, title, sha)
			if execErr != nil {
				return uuid.Nil, false, fmt.Errorf("insert document: %w", execErr)
			}
			return newID, true, nil
		}
		return uuid.Nil, false, fmt.Errorf("query document: %w", err)
	}

	if existingHash == sha {
		return docID, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE corpus_documents
		SET source_label = $2,
		    title = $3,
		    sha256 = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, docID, label, title, sha); err != nil {
		return uuid.Nil, false, fmt.Errorf("update document: %w", err)
	}

	return docID, true, nil
}
