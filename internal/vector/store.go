// Package vector persists embeddings in PostgreSQL with pgvector.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/logger"
)

// maxBatchParams stays under the PostgreSQL bind parameter limit
const maxBatchParams = 65535

const insertColumns = 5

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Store handles embedding storage operations with PostgreSQL + pgvector
type Store struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore connects to the database and checks that pgvector is available
func NewStore(config *Config, log *zap.Logger) (*Store, error) {
	if err := validateTableName(config.Table); err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:     db,
		table:  config.Table,
		logger: log,
	}

	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	log.Info("Vector store initialized",
		zap.String("database_url", logger.MaskURL(config.DatabaseURL)),
		zap.String("table", config.Table),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// initialize checks the connection and ensures the pgvector extension
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("pgvector extension unavailable: %w", err)
	}
	return nil
}

// Migrate creates the embeddings table for vectors of the given dimension
func (s *Store) Migrate(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}

	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			text_hash CHAR(64) NOT NULL UNIQUE,
			model TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source ON %s (source)`, s.table, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("Embeddings table ready", zap.String("table", s.table), zap.Int("dimension", dimension))
	return nil
}

// Insert adds one record; an existing text hash is left untouched
func (s *Store) Insert(ctx context.Context, record *Record) error {
	if record.TextHash == "" {
		record.TextHash = HashText(record.Text)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (text, text_hash, model, source, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (text_hash) DO UPDATE SET text_hash = EXCLUDED.text_hash
		RETURNING id, created_at`, s.table)

	err := s.db.QueryRowContext(ctx, query,
		record.Text,
		record.TextHash,
		record.Model,
		record.Source,
		formatEmbedding(record.Embedding),
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		s.logger.Error("Failed to insert embedding", zap.Error(err), zap.String("text_hash", record.TextHash))
		return fmt.Errorf("failed to insert embedding: %w", err)
	}

	s.logger.Debug("Embedding inserted", zap.Int64("id", record.ID))
	return nil
}

// BatchInsert adds records in as few statements as possible, skipping known text hashes
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()
	chunk := maxBatchParams / insertColumns
	for offset := 0; offset < len(records); offset += chunk {
		end := min(offset+chunk, len(records))
		part := records[offset:end]

		query, args := s.buildBatchInsert(part)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			result.Failed += int64(len(part))
			result.Errors = append(result.Errors, err)
			s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("records", len(part)))
			continue
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			s.logger.Warn("Could not get rows affected", zap.Error(err))
			inserted = int64(len(part))
		}
		result.Inserted += inserted
		result.Duplicates += int64(len(part)) - inserted
	}
	result.Duration = time.Since(start)

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	if result.Failed == int64(len(records)) {
		return result, fmt.Errorf("batch insert failed: %w", result.Errors[0])
	}
	return result, nil
}

func (s *Store) buildBatchInsert(records []*Record) (string, []interface{}) {
	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*insertColumns)
	seen := make(map[string]bool, len(records))

	for _, record := range records {
		if record.TextHash == "" {
			record.TextHash = HashText(record.Text)
		}
		// A duplicate inside one statement would fail ON CONFLICT
		if seen[record.TextHash] {
			continue
		}
		seen[record.TextHash] = true

		n := len(valueArgs)
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5))
		valueArgs = append(valueArgs,
			record.Text,
			record.TextHash,
			record.Model,
			record.Source,
			formatEmbedding(record.Embedding),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (text, text_hash, model, source, embedding)
		VALUES %s
		ON CONFLICT (text_hash) DO NOTHING`,
		s.table, strings.Join(valueStrings, ","))
	return query, valueArgs
}

type similarityRow struct {
	Record
	EmbeddingText string  `db:"embedding"`
	Similarity    float32 `db:"similarity"`
	Distance      float32 `db:"distance"`
}

// FindSimilar returns the nearest records by cosine distance
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{Limit: 5, MinSimilarity: 0.7}
	}
	if options.Limit <= 0 {
		options.Limit = 5
	}

	whereClause := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []interface{}{formatEmbedding(embedding), options.MinSimilarity}
	argIndex := 3

	if options.Model != "" {
		whereClause += fmt.Sprintf(" AND model = $%d", argIndex)
		args = append(args, options.Model)
		argIndex++
	}
	if options.Source != "" {
		whereClause += fmt.Sprintf(" AND source = $%d", argIndex)
		args = append(args, options.Source)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT
			id, text, text_hash, model, source, embedding::text AS embedding, created_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, s.table, whereClause, argIndex)
	args = append(args, options.Limit)

	start := time.Now()
	var rows []similarityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	results := make([]*SimilarityResult, 0, len(rows))
	for i := range rows {
		row := rows[i]
		vec, err := parseEmbedding(row.EmbeddingText)
		if err != nil {
			s.logger.Error("Failed to parse embedding", zap.Int64("id", row.ID), zap.Error(err))
			continue
		}
		record := row.Record
		record.Embedding = vec
		results = append(results, &SimilarityResult{
			Record:     &record,
			Similarity: row.Similarity,
			Distance:   row.Distance,
		})
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
		zap.Float32("min_similarity", options.MinSimilarity))

	return results, nil
}

// GetStats returns table statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{BySource: make(map[string]int64)}

	var rows []struct {
		Source string `db:"source"`
		Count  int64  `db:"count"`
	}
	query := fmt.Sprintf(`SELECT source, COUNT(*) AS count FROM %s GROUP BY source`, s.table)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get embedding stats: %w", err)
	}
	for _, row := range rows {
		stats.BySource[row.Source] = row.Count
		stats.TotalRecords += row.Count
	}

	if stats.TotalRecords > 0 {
		query = fmt.Sprintf(`SELECT vector_dims(embedding) FROM %s LIMIT 1`, s.table)
		if err := s.db.GetContext(ctx, &stats.Dimension, query); err != nil {
			s.logger.Warn("Failed to read embedding dimension", zap.Error(err))
		}
	}

	return stats, nil
}

// CreateIndex creates the cosine similarity index once the table is large enough
func (s *Store) CreateIndex(ctx context.Context) error {
	var count int64
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)); err != nil {
		return fmt.Errorf("failed to count embeddings: %w", err)
	}

	if count < 1000 {
		s.logger.Info("Skipping index creation, not enough embeddings", zap.Int64("count", count))
		return nil
	}

	s.logger.Info("Creating vector similarity index", zap.Int64("count", count))
	query := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_embedding
		ON %s USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HashText is the dedup key for a text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// formatEmbedding converts a float32 slice to pgvector text format
func formatEmbedding(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}

	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseEmbedding converts pgvector text format back to a float32 slice
func parseEmbedding(embeddingStr string) ([]float32, error) {
	embeddingStr = strings.Trim(strings.TrimSpace(embeddingStr), "[]")
	if embeddingStr == "" {
		return []float32{}, nil
	}

	parts := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value %q: %w", part, err)
		}
		embedding[i] = float32(val)
	}
	return embedding, nil
}
