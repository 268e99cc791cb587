package policydoc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type docDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresPersister stores one JSONB row per target.
type PostgresPersister struct {
	DB docDB
}

func NewPostgresPersister(db docDB) *PostgresPersister {
	return &PostgresPersister{DB: db}
}

func (p *PostgresPersister) Load(ctx context.Context, key string) (json.RawMessage, error) {
	var raw []byte
	row := p.DB.QueryRow(ctx, `SELECT doc FROM policy_documents WHERE target=$1`, key)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotPersisted
		}
		return nil, err
	}
	return raw, nil
}

func (p *PostgresPersister) Save(ctx context.Context, key string, doc json.RawMessage) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO policy_documents(target, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (target) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, key, []byte(doc))
	return err
}
