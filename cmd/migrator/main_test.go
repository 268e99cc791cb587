package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{exists: false}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeTx{}, nil
}

type fakeMigratorDBCloser struct {
	fakeMigratorDB
	closed bool
}

func (f *fakeMigratorDBCloser) Close() { f.closed = true }

type fakeRow struct {
	exists bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*b = r.exists
	return nil
}

type fakeTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("not implemented")}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func TestContainedMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := containedMigrationPath("migrations", "migrations/0001_policy_documents.sql")
	if err != nil {
		t.Fatalf("valid path rejected: %v", err)
	}
	if clean != filepath.Clean("migrations/0001_policy_documents.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}

	if _, err := containedMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for escaping path")
	}
	if _, err := containedMigrationPath("migrations", "other/0001.sql"); err == nil {
		t.Fatal("expected rejection for sibling directory")
	}
}

func TestApplyMigrationsSkipsApplied(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{exists: args[0].(string) == "0001_policy_documents.sql"}
		},
	}

	reads := 0
	readFile := func(name string) ([]byte, error) {
		reads++
		return []byte("SELECT 1;"), nil
	}
	glob := func(pattern string) ([]string, error) {
		return []string{
			"migrations/0002_decision_records.sql",
			"migrations/0001_policy_documents.sql",
		}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := applyMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("applyMigrations: %v", err)
	}
	if reads != 1 {
		t.Fatalf("expected one read for the unapplied file, got %d", reads)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollbacks: %d", tx.rollbackCalls)
	}
	if len(logs) != 2 {
		t.Fatalf("expected applied + summary logs, got %#v", logs)
	}
}

func TestApplyMigrationsErrors(t *testing.T) {
	glob1 := func(pattern string) ([]string, error) { return []string{"migrations/0001.sql"}, nil }
	readOK := func(name string) ([]byte, error) { return []byte("SELECT 1;"), nil }

	t.Run("nil db", func(t *testing.T) {
		if err := applyMigrations(context.Background(), nil, "migrations", nil, nil, nil); err == nil {
			t.Fatal("expected error for nil db")
		}
	})

	t.Run("create table", func(t *testing.T) {
		db := &fakeMigratorDB{execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("create fail")
		}}
		err := applyMigrations(context.Background(), db, "migrations", nil, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("escaping path", func(t *testing.T) {
		db := &fakeMigratorDB{}
		glob := func(pattern string) ([]string, error) { return []string{"../evil.sql"}, nil }
		err := applyMigrations(context.Background(), db, "migrations", nil, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "invalid migration path") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		db := &fakeMigratorDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{err: errors.New("lookup fail")}
		}}
		err := applyMigrations(context.Background(), db, "migrations", nil, glob1, nil)
		if err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("read", func(t *testing.T) {
		db := &fakeMigratorDB{}
		readFile := func(name string) ([]byte, error) { return nil, errors.New("read fail") }
		err := applyMigrations(context.Background(), db, "migrations", readFile, glob1, nil)
		if err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("apply rolls back", func(t *testing.T) {
		tx := &fakeTx{execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("apply fail")
		}}
		db := &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil }}
		err := applyMigrations(context.Background(), db, "migrations", readOK, glob1, nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration") {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected one rollback, got %d", tx.rollbackCalls)
		}
	})

	t.Run("mark rolls back", func(t *testing.T) {
		calls := 0
		tx := &fakeTx{execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			calls++
			if calls == 2 {
				return pgconn.CommandTag{}, errors.New("mark fail")
			}
			return pgconn.NewCommandTag("EXEC 1"), nil
		}}
		db := &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil }}
		err := applyMigrations(context.Background(), db, "migrations", readOK, glob1, nil)
		if err == nil || !strings.Contains(err.Error(), "mark migration") {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected one rollback, got %d", tx.rollbackCalls)
		}
	})

	t.Run("commit", func(t *testing.T) {
		tx := &fakeTx{commitErr: errors.New("commit fail")}
		db := &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil }}
		err := applyMigrations(context.Background(), db, "migrations", readOK, glob1, nil)
		if err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMainMigrator(t *testing.T) {
	origFatal, origOpen := logFatalf, openDBFn
	defer func() { logFatalf, openDBFn = origFatal, origOpen }()

	t.Run("success", func(t *testing.T) {
		t.Setenv("MIGRATIONS_DIR", t.TempDir())
		fatal := false
		logFatalf = func(format string, args ...any) { fatal = true }
		db := &fakeMigratorDBCloser{}
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) { return db, nil }

		main()

		if fatal {
			t.Fatal("unexpected fatal on success")
		}
		if !db.closed {
			t.Fatal("pool must be closed")
		}
	})

	t.Run("db error", func(t *testing.T) {
		fatal := false
		logFatalf = func(format string, args ...any) { fatal = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("db down")
		}

		main()

		if !fatal {
			t.Fatal("expected fatal on db error")
		}
	})
}
