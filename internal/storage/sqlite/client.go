package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/pkg/logger"
)

var ErrNotFound = errors.New("document not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		ticker TEXT,
		source_type TEXT NOT NULL,
		filing_type TEXT,
		source TEXT UNIQUE NOT NULL,
		published_at INTEGER,
		raw_text TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_ticker ON documents(ticker);
	CREATE INDEX IF NOT EXISTS idx_documents_source_type ON documents(source_type);
	CREATE INDEX IF NOT EXISTS idx_documents_published ON documents(published_at);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// PutDocument inserts or replaces a document. Re-ingestion supersedes rather
// than mutates: the row is fully replaced under the same id.
func (c *Client) PutDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, _ := json.Marshal(doc.Metadata)

	query := `
		INSERT INTO documents (id, ticker, source_type, filing_type, source, published_at, raw_text, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ticker = excluded.ticker,
			source_type = excluded.source_type,
			filing_type = excluded.filing_type,
			published_at = excluded.published_at,
			raw_text = excluded.raw_text,
			metadata = excluded.metadata
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		doc.ID,
		doc.Ticker,
		string(doc.SourceType),
		doc.FilingType,
		doc.Source,
		doc.PublishedAt.Unix(),
		doc.RawText,
		string(metadataJSON),
		doc.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document stored", zap.String("document_id", doc.ID), zap.String("source", doc.Source))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT id, ticker, source_type, filing_type, source, published_at, raw_text, metadata, created_at FROM documents WHERE id = ?`

	var (
		doc          models.Document
		sourceType   string
		metadataJSON string
		publishedAt  int64
		createdAt    int64
	)

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID,
		&doc.Ticker,
		&sourceType,
		&doc.FilingType,
		&doc.Source,
		&publishedAt,
		&doc.RawText,
		&metadataJSON,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.SourceType = models.SourceType(sourceType)
	doc.PublishedAt = time.Unix(publishedAt, 0).UTC()
	doc.CreatedAt = time.Unix(createdAt, 0).UTC()
	json.Unmarshal([]byte(metadataJSON), &doc.Metadata)

	return &doc, nil
}

// ListFilter narrows ListDocuments. Zero values mean "no constraint".
type ListFilter struct {
	Ticker     string
	SourceType models.SourceType
	After      time.Time
	Before     time.Time
	Limit      int
}

func (c *Client) ListDocuments(ctx context.Context, filter ListFilter) ([]models.Document, error) {
	query := `SELECT id, ticker, source_type, filing_type, source, published_at, raw_text, metadata, created_at FROM documents WHERE 1=1`
	var args []any

	if filter.Ticker != "" {
		query += " AND ticker = ?"
		args = append(args, filter.Ticker)
	}
	if filter.SourceType != "" {
		query += " AND source_type = ?"
		args = append(args, string(filter.SourceType))
	}
	if !filter.After.IsZero() {
		query += " AND published_at >= ?"
		args = append(args, filter.After.Unix())
	}
	if !filter.Before.IsZero() {
		query += " AND published_at <= ?"
		args = append(args, filter.Before.Unix())
	}

	query += " ORDER BY published_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var (
			doc          models.Document
			sourceType   string
			metadataJSON string
			publishedAt  int64
			createdAt    int64
		)
		err := rows.Scan(
			&doc.ID,
			&doc.Ticker,
			&sourceType,
			&doc.FilingType,
			&doc.Source,
			&publishedAt,
			&doc.RawText,
			&metadataJSON,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		doc.SourceType = models.SourceType(sourceType)
		doc.PublishedAt = time.Unix(publishedAt, 0).UTC()
		doc.CreatedAt = time.Unix(createdAt, 0).UTC()
		json.Unmarshal([]byte(metadataJSON), &doc.Metadata)
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// PutChunks writes a document's chunks in one transaction, so a partial write
// never leaves a document half-chunked.
func (c *Client) PutChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, sequence_index, text, char_start, char_end, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			char_start = excluded.char_start,
			char_end = excluded.char_end,
			metadata = excluded.metadata
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		metadataJSON, _ := json.Marshal(chunk.Metadata)
		_, err := stmt.ExecContext(
			ctx,
			chunk.ID,
			chunk.DocumentID,
			chunk.SequenceIndex,
			chunk.Text,
			chunk.CharStart,
			chunk.CharEnd,
			string(metadataJSON),
			chunk.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit()
}

func (c *Client) GetChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	query := `
		SELECT id, document_id, sequence_index, text, char_start, char_end, metadata, created_at
		FROM chunks
		WHERE document_id = ?
		ORDER BY sequence_index ASC
	`

	rows, err := c.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var (
			chunk        models.Chunk
			metadataJSON string
			createdAt    int64
		)
		err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentID,
			&chunk.SequenceIndex,
			&chunk.Text,
			&chunk.CharStart,
			&chunk.CharEnd,
			&metadataJSON,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		chunk.CreatedAt = time.Unix(createdAt, 0).UTC()
		json.Unmarshal([]byte(metadataJSON), &chunk.Metadata)
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

// DeleteDocument removes a document and, through the foreign key cascade, all
// of its chunks.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}
