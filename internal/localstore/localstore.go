// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package localstore provides a [store.Store] backed by the local filesystem
// and a SQLite database of valid store objects.
package localstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zb.256lights.llc/zbcore/internal/osutil"
	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store is a local store.
// Objects are files or directories in the real store directory,
// and the database records which of them are valid.
// It is safe to call methods on a Store from multiple goroutines.
type Store struct {
	dir     store.Directory
	realDir string
	db      *sqlitemigration.Pool
}

// Options is the set of optional parameters to [Open].
type Options struct {
	// RealDir is where store objects are located on the local filesystem.
	// If empty, it is assumed to be the same as the store directory.
	RealDir string
}

// Open returns a store for dir whose database is located at dbPath.
// The database is created on first use if it does not exist.
func Open(dir store.Directory, dbPath string, opts *Options) *Store {
	s := &Store{dir: dir}
	if opts != nil {
		s.realDir = opts.RealDir
	}
	if s.realDir == "" {
		s.realDir = string(dir)
	}
	s.db = sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PrepareConn: prepareConn,
		OnStartMigrate: func() {
			log.Debugf(context.Background(), "Migrating %s...", dbPath)
		},
		OnReady: func() {
			log.Debugf(context.Background(), "Database %s ready", dbPath)
		},
		OnError: func(err error) {
			log.Errorf(context.Background(), "Migration of %s: %v", dbPath, err)
		},
	})
	return s
}

// Close releases any resources associated with the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store's directory.
func (s *Store) Dir() store.Directory {
	return s.dir
}

// realPath returns the location of path on the local filesystem.
func (s *Store) realPath(path store.Path) string {
	return filepath.Join(s.realDir, path.Base())
}

// IsValidPath reports whether path is a registered object in the store.
// Paths outside the store's directory are never valid.
func (s *Store) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	if path.Dir() != s.dir {
		return false, nil
	}
	conn, err := s.db.Get(ctx)
	if err != nil {
		return false, err
	}
	defer s.db.Put(conn)
	return objectExists(conn, path)
}

// Open opens a valid store object for reading.
// It returns an error wrapping [store.ErrNotValid]
// if path has not been registered.
func (s *Store) Open(ctx context.Context, path store.Path) (io.ReadCloser, error) {
	valid, err := s.IsValidPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v", path, err)
	}
	if !valid {
		return nil, fmt.Errorf("open %s: %w", path, store.ErrNotValid)
	}
	return os.Open(s.realPath(path))
}

// References returns the references of a valid store object.
func (s *Store) References(ctx context.Context, path store.Path) (*sets.Sorted[store.Path], error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	if valid, err := objectExists(conn, path); err != nil {
		return nil, fmt.Errorf("references of %s: %v", path, err)
	} else if !valid {
		return nil, fmt.Errorf("references of %s: %w", path, store.ErrNotValid)
	}
	refs := new(sets.Sorted[store.Path])
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			refs.Add(store.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("references of %s: %v", path, err)
	}
	return refs, nil
}

// ObjectInfo is the database record of a store object.
type ObjectInfo struct {
	Path             store.Path
	RegistrationTime time.Time
}

// List returns every valid object in the store, sorted by path.
func (s *Store) List(ctx context.Context) ([]ObjectInfo, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	var list []ObjectInfo
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "list_objects.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			list = append(list, ObjectInfo{
				Path:             store.Path(stmt.GetText("path")),
				RegistrationTime: time.Unix(stmt.GetInt64("registration_time"), 0),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list store objects: %v", err)
	}
	return list, nil
}

// Register marks an object already present in the real store directory as valid.
// Every reference other than path itself must already be valid.
// Registering a valid path again is a no-op.
func (s *Store) Register(ctx context.Context, path store.Path, refs *sets.Sorted[store.Path]) error {
	if path.Dir() != s.dir {
		return fmt.Errorf("register %s: not in %s", path, s.dir)
	}
	if _, err := os.Lstat(s.realPath(path)); err != nil {
		return fmt.Errorf("register %s: %v", path, err)
	}

	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)
	return register(ctx, conn, path, refs)
}

func register(ctx context.Context, conn *sqlite.Conn, path store.Path, refs *sets.Sorted[store.Path]) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("register %s: %v", path, err)
	}
	defer endFn(&err)

	if exists, err := objectExists(conn, path); err != nil {
		return fmt.Errorf("register %s: %v", path, err)
	} else if exists {
		log.Debugf(ctx, "%s already registered", path)
		return nil
	}
	for ref := range refs.Values() {
		if ref == path {
			continue
		}
		if valid, err := objectExists(conn, ref); err != nil {
			return fmt.Errorf("register %s: %v", path, err)
		} else if !valid {
			return fmt.Errorf("register %s: reference %s: %w", path, ref, store.ErrNotValid)
		}
	}

	log.Debugf(ctx, "Registering %s", path)
	if err := upsertPath(conn, path); err != nil {
		return fmt.Errorf("register %s: %v", path, err)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":              string(path),
			":registration_time": time.Now().Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %v", path, err)
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return fmt.Errorf("register %s: %v", path, err)
	}
	defer addRefStmt.Finalize()
	addRefStmt.SetText(":referrer", string(path))
	for ref := range refs.Values() {
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("register %s: add reference %s: %v", path, ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("register %s: add reference %s: %v", path, ref, err)
		}
	}
	return nil
}

// AddText writes data to the store as a text object
// with the given name and references, and registers it.
// Adding the same text again returns the existing path.
func (s *Store) AddText(ctx context.Context, name string, data []byte, refs *sets.Sorted[store.Path]) (store.Path, error) {
	path, err := store.MakeTextPath(s.dir, name, data, refs)
	if err != nil {
		return "", err
	}
	if valid, err := s.IsValidPath(ctx, path); err != nil {
		return "", fmt.Errorf("add %s: %v", path, err)
	} else if valid {
		return path, nil
	}

	if err := os.MkdirAll(s.realDir, 0o755); err != nil {
		return "", fmt.Errorf("add %s: %v", path, err)
	}
	realPath := s.realPath(path)
	// The path is derived from the content,
	// so an unregistered leftover file can be reused.
	_, err = os.Lstat(realPath)
	wrote := false
	if errors.Is(err, os.ErrNotExist) {
		if err := osutil.WriteFilePerm(realPath, data, 0o444); err != nil {
			return "", fmt.Errorf("add %s: %v", path, err)
		}
		wrote = true
	} else if err != nil {
		return "", fmt.Errorf("add %s: %v", path, err)
	}
	if err := s.Register(ctx, path, refs); err != nil {
		if !wrote {
			return "", err
		}
		if rmErr := os.Remove(realPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warnf(ctx, "Clean up %s: %v", path, rmErr)
		}
		return "", err
	}
	return path, nil
}

// objectExists checks for the existence of a store object in the store database.
func objectExists(conn *sqlite.Conn, path store.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", path, err)
	}
	return exists, nil
}

func upsertPath(conn *sqlite.Conn, path store.Path) error {
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("upsert path %s: %v", path, err)
	}
	return nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
