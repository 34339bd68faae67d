package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type PostgresIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

func (s *PostgresIndex) Search(ctx context.Context, embedding []float32, k int) ([]Result, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if k <= 0 {
		k = 5
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
        SELECT
            cc.id,
            cc.document_id,
            cd.source_label,
            cc.ordinal,
            cc.start_offset,
            cc.end_offset,
            cc.content,
            (cc.embedding <-> $1::vector) AS distance
        FROM corpus_chunks cc
        JOIN corpus_documents cd ON cd.id = cc.document_id
        ORDER BY cc.embedding <-> $1::vector, cc.ordinal
        LIMIT $2
    `, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, k)
	for rows.Next() {
		var item Result
		var distance float64
		if scanErr := rows.Scan(
			&item.Passage.ID,
			&item.Passage.DocumentID,
			&item.Passage.SourceLabel,
			&item.Passage.Ordinal,
			&item.Passage.StartOffset,
			&item.Passage.EndOffset,
			&item.Passage.Text,
			&distance,
		); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if len(results) == 0 {
		var total int64
		if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM corpus_chunks").Scan(&total); err != nil {
			return nil, fmt.Errorf("count corpus chunks: %w", err)
		}
		if total == 0 {
			return nil, ErrEmptyIndex
		}
	}

	return results, nil
}

var _ Index = (*PostgresIndex)(nil)
