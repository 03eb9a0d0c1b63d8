// Package recording persists periodic counter snapshots to SQLite for
// offline analysis. It records aggregate counters, never message contents
// or history.
package recording

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"
	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// A Recorder is a backend that can record and store data.
type Recorder interface {
	// CreateTable creates a new table shaped after the sample entry.
	CreateTable(tableName string, sampleEntry interface{}) error

	// InsertData buffers a same-shaped entry into an existing table.
	InsertData(tableName string, entry interface{}) error

	// ListTables returns the names of all created tables.
	ListTables() []string

	// Flush writes all buffered entries into the database.
	Flush() error

	// Close flushes and releases the database.
	Close() error
}

type table struct {
	structType reflect.Type
	entries    []interface{}
}

// SQLiteRecorder writes recorded data into a SQLite database.
type SQLiteRecorder struct {
	*sql.DB

	lock      sync.Mutex
	dbName    string
	tables    map[string]*table
	batchSize int
}

// NewSQLiteRecorder creates a recorder writing to `<path>.sqlite3`. An
// empty path picks a unique name. The recorder flushes at process exit.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	r := &SQLiteRecorder{
		dbName:    path,
		batchSize: 100000,
		tables:    make(map[string]*table),
	}

	if err := r.init(); err != nil {
		return nil, err
	}

	atexit.Register(func() {
		if err := r.Flush(); err != nil {
			fmt.Fprintf(os.Stderr, "recording: flush at exit: %v\n", err)
		}
	})

	return r, nil
}

func (r *SQLiteRecorder) init() error {
	if r.dbName == "" {
		r.dbName = "floodnet_recording_" + xid.New().String()
	}

	filename := r.dbName + ".sqlite3"

	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("recording: file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return fmt.Errorf("recording: open %s: %w", filename, err)
	}

	r.DB = db

	return nil
}

// CreateTable creates a table with one column per exported field of the
// sample entry. Only scalar and string fields are supported.
func (r *SQLiteRecorder) CreateTable(
	tableName string,
	sampleEntry interface{},
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.tables[tableName]; exists {
		return fmt.Errorf("recording: table %s already exists", tableName)
	}

	t := reflect.TypeOf(sampleEntry)
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("recording: sample entry must be a struct")
	}

	names := structs.Names(sampleEntry)
	if len(names) == 0 {
		return fmt.Errorf("recording: sample entry has no exported fields")
	}

	columns := make([]string, 0, len(names))
	for _, name := range names {
		field, _ := t.FieldByName(name)

		columnType, err := sqlType(field.Type.Kind())
		if err != nil {
			return fmt.Errorf("recording: field %s: %w", name, err)
		}

		columns = append(columns, name+" "+columnType)
	}

	createStmt := fmt.Sprintf("CREATE TABLE %s (%s);",
		tableName, strings.Join(columns, ", "))
	if _, err := r.Exec(createStmt); err != nil {
		return fmt.Errorf("recording: create %s: %w", tableName, err)
	}

	r.tables[tableName] = &table{structType: t}

	return nil
}

// InsertData buffers one entry. Entries are written in batches; call Flush
// to force them out.
func (r *SQLiteRecorder) InsertData(
	tableName string,
	entry interface{},
) error {
	r.lock.Lock()

	t, exists := r.tables[tableName]
	if !exists {
		r.lock.Unlock()
		return fmt.Errorf("recording: table %s does not exist", tableName)
	}

	if reflect.TypeOf(entry) != t.structType {
		r.lock.Unlock()
		return fmt.Errorf("recording: entry type mismatch for table %s",
			tableName)
	}

	t.entries = append(t.entries, entry)
	needFlush := len(t.entries) >= r.batchSize
	r.lock.Unlock()

	if needFlush {
		return r.Flush()
	}

	return nil
}

// ListTables returns the names of all created tables.
func (r *SQLiteRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	return names
}

// Flush writes all buffered entries into the database.
func (r *SQLiteRecorder) Flush() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for name, t := range r.tables {
		if err := r.flushTable(name, t); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes and releases the database.
func (r *SQLiteRecorder) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}

	return r.DB.Close()
}

func (r *SQLiteRecorder) flushTable(name string, t *table) error {
	if len(t.entries) == 0 {
		return nil
	}

	tx, err := r.Begin()
	if err != nil {
		return fmt.Errorf("recording: begin: %w", err)
	}

	placeholders := structs.Names(t.entries[0])
	for i := range placeholders {
		placeholders[i] = "?"
	}

	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (%s);",
		name, strings.Join(placeholders, ", ")))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("recording: prepare insert: %w", err)
	}

	for _, entry := range t.entries {
		if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording: insert into %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recording: commit: %w", err)
	}

	t.entries = nil

	return nil
}

func sqlType(kind reflect.Kind) (string, error) {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16,
		reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16,
		reflect.Uint32, reflect.Uint64:
		return "INTEGER", nil
	case reflect.Float32, reflect.Float64:
		return "REAL", nil
	case reflect.String:
		return "TEXT", nil
	default:
		return "", fmt.Errorf("unsupported kind %s", kind)
	}
}
