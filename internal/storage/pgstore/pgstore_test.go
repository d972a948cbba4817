package pgstore

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	cerrors "github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.URL = "" }, wantErr: true},
		{name: "zero ping timeout", mutate: func(c *Config) { c.PingTimeout = 0 }, wantErr: true},
		{name: "no open conns", mutate: func(c *Config) { c.MaxOpenConns = 0 }, wantErr: true},
		{name: "negative idle", mutate: func(c *Config) { c.MaxIdleConns = -1 }, wantErr: true},
		{name: "idle above open", mutate: func(c *Config) { c.MaxIdleConns = 20 }, wantErr: true},
		{name: "negative lifetime", mutate: func(c *Config) { c.ConnMaxLifetime = -time.Second }, wantErr: true},
		{name: "negative idle time", mutate: func(c *Config) { c.ConnMaxIdleTime = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("postgres://localhost/conductor")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Open with an empty config should fail validation")
	}
}

func TestGetItem(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT value FROM conductor_kv`).
		WithArgs("pipelines/p-1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"status":"running"}`)))

	got, err := store.GetItem(ctx, "pipelines/p-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if string(got) != `{"status":"running"}` {
		t.Errorf("GetItem = %s", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM conductor_kv`).
		WithArgs("pipelines/missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := store.GetItem(context.Background(), "pipelines/missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetItem error = %v, want ErrNotFound", err)
	}
}

func TestGetItem_DatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(`SELECT value FROM conductor_kv`).WillReturnError(boom)

	_, err := store.GetItem(context.Background(), "pipelines/p-1")
	if !errors.Is(err, boom) {
		t.Errorf("GetItem error = %v, want wrapped driver error", err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("driver errors must not be reported as not found")
	}
}

func TestPutItem_Upserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO conductor_kv .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("pipelines/p-1", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.PutItem(context.Background(), "pipelines/p-1", []byte("v1")); err != nil {
		t.Fatalf("PutItem failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDeleteItem(t *testing.T) {
	store, mock := newMockStore(t)

	// Deleting a missing row affects nothing and is not an error.
	mock.ExpectExec(`DELETE FROM conductor_kv`).
		WithArgs("pipelines/gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteItem(context.Background(), "pipelines/gone"); err != nil {
		t.Errorf("DeleteItem failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPut_ValidatesKey(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.Put(context.Background(), "/absolute", []byte("x"))
	if !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("Put error = %v, want ErrInvalidInput", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no query should run for an invalid key: %v", err)
	}
}

func TestPutGetBlob(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	key := storage.CheckpointKey("p-1", "c-1")

	mock.ExpectExec(`INSERT INTO conductor_blobs`).
		WithArgs(key, []byte("state")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT value FROM conductor_blobs`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("state")))

	if err := store.Put(ctx, key, []byte("state")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil || string(got) != "state" {
		t.Errorf("Get = %q, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListByPrefix(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT key FROM conductor_blobs WHERE starts_with\(key, \$1\) ORDER BY key`).
		WithArgs("checkpoints/p-1/").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("checkpoints/p-1/a.ckpt").
			AddRow("checkpoints/p-1/b.ckpt"))

	got, err := store.ListByPrefix(context.Background(), "checkpoints/p-1/")
	if err != nil {
		t.Fatalf("ListByPrefix failed: %v", err)
	}
	want := []string{"checkpoints/p-1/a.ckpt", "checkpoints/p-1/b.ckpt"}
	if !slices.Equal(got, want) {
		t.Errorf("ListByPrefix = %v, want %v", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListByPrefix_RowError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("cursor lost")

	mock.ExpectQuery(`SELECT key FROM conductor_blobs`).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("checkpoints/p-1/a.ckpt").
			RowError(0, boom))

	if _, err := store.ListByPrefix(context.Background(), "checkpoints/p-1/"); !errors.Is(err, boom) {
		t.Errorf("ListByPrefix error = %v, want row error", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	for _, want := range []string{"0001_init.up.sql", "0001_init.down.sql"} {
		if !slices.Contains(names, want) {
			t.Errorf("embedded migrations %v missing %s", names, want)
		}
	}
}
