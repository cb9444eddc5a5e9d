package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ara-campus/ara/pkg/postgres"
	"github.com/ara-campus/ara/pkg/redis"
)

// DirLoader reads every .txt and .md file directly under Dir. The file name
// without extension is the document ID and the first non-empty line is the
// title.
type DirLoader struct {
	Dir string
}

func (l DirLoader) Name() string { return "dir:" + l.Dir }

func (l DirLoader) Load(ctx context.Context) ([]Document, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading corpus directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".txt", ".md":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(filepath.Join(l.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		text := string(b)
		docs = append(docs, Document{
			ID:     strings.TrimSuffix(name, filepath.Ext(name)),
			Title:  firstLine(text),
			Text:   text,
			Source: name,
		})
	}
	return docs, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(strings.TrimLeft(line, "# ")); line != "" {
			return line
		}
	}
	return ""
}

// RedisLoader reads documents from a hash whose fields are document IDs.
// Values are either a JSON Document or plain text.
type RedisLoader struct {
	Client *redis.Client
	Key    string
}

func (l RedisLoader) Name() string { return "redis:" + l.Key }

func (l RedisLoader) Load(ctx context.Context) ([]Document, error) {
	fields, err := l.Client.HGetAll(ctx, l.Key)
	if err != nil {
		return nil, fmt.Errorf("reading corpus hash %s: %w", l.Key, err)
	}
	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		raw := fields[id]
		var d Document
		if strings.HasPrefix(strings.TrimSpace(raw), "{") && json.Unmarshal([]byte(raw), &d) == nil {
			d.ID = id
		} else {
			d = Document{ID: id, Title: firstLine(raw), Text: raw}
		}
		if d.Source == "" {
			d.Source = "redis"
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Store writes docs into the hash as JSON values.
func (l RedisLoader) Store(ctx context.Context, docs []Document) error {
	values := make(map[string]string, len(docs))
	for _, d := range docs {
		d.Vector = nil
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", d.ID, err)
		}
		values[d.ID] = string(b)
	}
	return l.Client.HSet(ctx, l.Key, values)
}

const (
	selectDocumentsSQL = `SELECT id, title, body, source FROM corpus_documents ORDER BY position, id`
	upsertDocumentSQL  = `INSERT INTO corpus_documents (id, title, body, source, position)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body,
	source = EXCLUDED.source, position = EXCLUDED.position, updated_at = now()`
)

// PostgresLoader reads documents from the corpus_documents table.
type PostgresLoader struct {
	Client *postgres.Client
}

func (l PostgresLoader) Name() string { return "postgres:corpus_documents" }

func (l PostgresLoader) Load(ctx context.Context) ([]Document, error) {
	rows, err := l.Client.DB.QueryContext(ctx, selectDocumentsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying corpus documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			d      Document
			title  sql.NullString
			source sql.NullString
		)
		if err := rows.Scan(&d.ID, &title, &d.Text, &source); err != nil {
			return nil, fmt.Errorf("scanning corpus document: %w", err)
		}
		d.Title = title.String
		d.Source = source.String
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating corpus documents: %w", err)
	}
	return docs, nil
}

// Store upserts docs in one transaction, keeping their order in position.
func (l PostgresLoader) Store(ctx context.Context, docs []Document) error {
	return l.Client.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertDocumentSQL)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()
		for i, d := range docs {
			if _, err := stmt.ExecContext(ctx, d.ID, d.Title, d.Text, d.Source, i); err != nil {
				return fmt.Errorf("upserting document %s: %w", d.ID, err)
			}
		}
		return nil
	})
}
