// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package journal records build runs and their stage executions in a
// SQLite database, so past builds can be inspected after the fact.
package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/engine"
)

// A Journal is an open journal database. It implements
// [engine.Recorder], so attaching it to an engine records every stage
// the engine executes under the journal's current run.
type Journal struct {
	db *sqlitemigration.Pool

	mu  sync.Mutex
	run uuid.UUID
}

// Open opens (creating if necessary) the journal database at path.
// Callers are responsible for calling [Journal.Close].
func Open(path string) *Journal {
	return &Journal{
		db: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "journal migration: %v", err)
			},
		}),
	}
}

// Close releases the journal's database connections.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginRun opens a new run and makes it the journal's current run.
// Subsequent stage records attach to it.
func (j *Journal) BeginRun(ctx context.Context, argv []string) (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("begin journal run: %v", err)
	}
	conn, err := j.db.Get(ctx)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("begin journal run: %v", err)
	}
	defer j.db.Put(conn)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert_run.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":         id.String(),
			":argv":       anvil.QuoteJoin(argv),
			":started_at": time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("begin journal run: %v", err)
	}
	j.mu.Lock()
	j.run = id
	j.mu.Unlock()
	return id, nil
}

// EndRun marks the current run finished with the given status,
// conventionally "ok" or the failure's message.
func (j *Journal) EndRun(ctx context.Context, status string) error {
	j.mu.Lock()
	id := j.run
	j.mu.Unlock()
	if id == (uuid.UUID{}) {
		return errors.New("end journal run: no run in progress")
	}
	conn, err := j.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("end journal run: %v", err)
	}
	defer j.db.Put(conn)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "finish_run.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":          id.String(),
			":finished_at": time.Now().UnixMilli(),
			":status":      status,
		},
	})
	if err != nil {
		return fmt.Errorf("end journal run: %v", err)
	}
	return nil
}

// RecordStage implements [engine.Recorder]. Recording failures are
// logged rather than surfaced: the journal must never fail a build.
func (j *Journal) RecordStage(ctx context.Context, ident string, stage engine.Stage, start time.Time, elapsed time.Duration, stageErr error) {
	j.mu.Lock()
	id := j.run
	j.mu.Unlock()
	if id == (uuid.UUID{}) {
		return
	}
	status := "ok"
	detail := ""
	if stageErr != nil {
		status = "failed"
		detail = stageErr.Error()
	}
	conn, err := j.db.Get(ctx)
	if err != nil {
		log.Warnf(ctx, "journal: record %s %s: %v", stage, ident, err)
		return
	}
	defer j.db.Put(conn)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert_stage.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":run_id":         id.String(),
			":ident":          ident,
			":stage":          stage.String(),
			":started_at":     start.UnixMilli(),
			":elapsed_millis": elapsed.Milliseconds(),
			":status":         status,
			":detail":         detail,
		},
	})
	if err != nil {
		log.Warnf(ctx, "journal: record %s %s: %v", stage, ident, err)
	}
}

// A RunReport describes one recorded run and its stages.
type RunReport struct {
	ID         uuid.UUID     `json:"id"`
	Argv       string        `json:"argv"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt,omitzero"`
	Status     string        `json:"status,omitempty"`
	Stages     []StageReport `json:"stages"`
}

// A StageReport describes one stage execution within a run.
type StageReport struct {
	Ident     string        `json:"ident"`
	Stage     string        `json:"stage"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Status    string        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
}

// Runs lists the most recent runs, newest first, without their stages.
func (j *Journal) Runs(ctx context.Context, limit int) ([]RunReport, error) {
	conn, err := j.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list journal runs: %v", err)
	}
	defer j.db.Put(conn)
	var runs []RunReport
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "list_runs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":limit": int64(limit)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r, err := runFromRow(stmt)
			if err != nil {
				return err
			}
			runs = append(runs, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list journal runs: %v", err)
	}
	return runs, nil
}

// Run fetches one run with its stages. If id is the zero UUID, the
// most recent run is fetched. Run reports nil with no error when the
// journal has no matching run.
func (j *Journal) Run(ctx context.Context, id uuid.UUID) (*RunReport, error) {
	conn, err := j.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal run: %v", err)
	}
	defer j.db.Put(conn)

	query := "get_run.sql"
	named := map[string]any{":id": id.String()}
	if id == (uuid.UUID{}) {
		query = "get_latest_run.sql"
		named = nil
	}
	var report *RunReport
	err = sqlitex.ExecuteFS(conn, sqlFiles(), query, &sqlitex.ExecOptions{
		Named: named,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r, err := runFromRow(stmt)
			if err != nil {
				return err
			}
			report = &r
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read journal run: %v", err)
	}
	if report == nil {
		return nil, nil
	}
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "list_stages.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":run_id": report.ID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			report.Stages = append(report.Stages, StageReport{
				Ident:     stmt.GetText("ident"),
				Stage:     stmt.GetText("stage"),
				StartedAt: time.UnixMilli(stmt.GetInt64("started_at")),
				Elapsed:   time.Duration(stmt.GetInt64("elapsed_millis")) * time.Millisecond,
				Status:    stmt.GetText("status"),
				Detail:    stmt.GetText("detail"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read journal run %v: %v", report.ID, err)
	}
	return report, nil
}

func runFromRow(stmt *sqlite.Stmt) (RunReport, error) {
	id, err := uuid.Parse(stmt.GetText("id"))
	if err != nil {
		return RunReport{}, fmt.Errorf("run id: %v", err)
	}
	r := RunReport{
		ID:        id,
		Argv:      stmt.GetText("argv"),
		StartedAt: time.UnixMilli(stmt.GetInt64("started_at")),
		Status:    stmt.GetText("status"),
	}
	if v := stmt.GetInt64("finished_at"); v != 0 {
		r.FinishedAt = time.UnixMilli(v)
	}
	return r, nil
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
