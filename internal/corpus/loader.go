// Package corpus loads the documents to index and drives rebuilds of the
// search index from them.
package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lib/pq"

	"github.com/chaos-browser/sitesearch/internal/search/index"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
	"github.com/chaos-browser/sitesearch/pkg/postgres"
	"github.com/chaos-browser/sitesearch/pkg/resilience"
)

// Loader returns the full corpus in index order.
type Loader interface {
	Load(ctx context.Context) ([]index.Document, error)
	Source() string
}

// FileLoader reads a JSON array of {url, title, content} objects. Missing
// or null fields load as empty strings.
type FileLoader struct {
	path string
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

func (l *FileLoader) Source() string { return "file:" + l.path }

func (l *FileLoader) Load(ctx context.Context) ([]index.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		err = fmt.Errorf("%w: reading %s: %w", apperrors.ErrCorpusLoad, l.path, err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	var docs []index.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("%w: decoding %s: %w", apperrors.ErrCorpusLoad, l.path, err))
	}
	if docs == nil {
		docs = []index.Document{}
	}
	return docs, nil
}

// PostgresLoader reads url, title and content columns from a table with a
// serial id column, ordered by id:
//
//	CREATE TABLE sites (
//	    id      BIGSERIAL PRIMARY KEY,
//	    url     TEXT,
//	    title   TEXT,
//	    content TEXT
//	);
type PostgresLoader struct {
	db    *postgres.Client
	table string
}

func NewPostgresLoader(db *postgres.Client, table string) *PostgresLoader {
	return &PostgresLoader{db: db, table: table}
}

func (l *PostgresLoader) Source() string { return "postgres:" + l.table }

func (l *PostgresLoader) Load(ctx context.Context) ([]index.Document, error) {
	query := fmt.Sprintf(`SELECT url, title, content FROM %s ORDER BY id`, pq.QuoteIdentifier(l.table))
	rows, err := l.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %w", apperrors.ErrCorpusLoad, l.table, err)
	}
	defer rows.Close()

	docs := make([]index.Document, 0, 256)
	for rows.Next() {
		var url, title, content sql.NullString
		if err := rows.Scan(&url, &title, &content); err != nil {
			return nil, fmt.Errorf("%w: scanning %s row: %w", apperrors.ErrCorpusLoad, l.table, err)
		}
		docs = append(docs, index.Document{
			URL:     url.String,
			Title:   title.String,
			Content: content.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating %s: %w", apperrors.ErrCorpusLoad, l.table, err)
	}
	return docs, nil
}
