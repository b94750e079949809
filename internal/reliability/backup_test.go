package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/forager/internal/events"
	foragertest "github.com/aristath/forager/internal/testing"
	"github.com/aristath/forager/internal/version"
)

var backupStart = time.Date(2025, 11, 3, 2, 15, 0, 0, time.UTC)

type fakeObjectStore struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	deleted   []string
	uploadErr error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{uploads: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = data
	return nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var objects []StoredObject
	for key, data := range f.uploads {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return objects, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[key]; !ok {
		return fmt.Errorf("no such key %s", key)
	}
	delete(f.uploads, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjectStore) seedArchive(ts time.Time) string {
	key := archivePrefix + ts.Format(archiveTimeLayout) + ".tar.gz"
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = []byte("archive")
	return key
}

func testDatabase(t *testing.T, dir, name string, rows int) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(dir, name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE samples (id INTEGER PRIMARY KEY, label TEXT)")
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec("INSERT INTO samples (label) VALUES (?)", fmt.Sprintf("row-%d", i))
		require.NoError(t, err)
	}
	return db
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = content
	}
	return files
}

func TestBackupRunArchivesAndUploads(t *testing.T) {
	dataDir := t.TempDir()
	databases := map[string]*sql.DB{
		"agent":   testDatabase(t, dataDir, "agent", 3),
		"history": testDatabase(t, dataDir, "history", 5),
	}

	store := newFakeObjectStore()
	clock := foragertest.NewMockClock(backupStart)
	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	var completed []*events.Event
	eventMgr.Bus().Subscribe(events.BackupCompleted, func(e *events.Event) {
		completed = append(completed, e)
	})

	svc := NewBackupService(databases, store, dataDir, 14, clock, eventMgr, zerolog.Nop())
	require.NoError(t, svc.Run(context.Background()))

	key := "forager-backup-2025-11-03-021500.tar.gz"
	require.Contains(t, store.uploads, key)

	files := readArchive(t, store.uploads[key])
	require.Contains(t, files, "agent.db")
	require.Contains(t, files, "history.db")
	require.Contains(t, files, manifestName)

	var manifest Manifest
	require.NoError(t, json.Unmarshal(files[manifestName], &manifest))
	assert.Equal(t, version.Version, manifest.Version)
	assert.True(t, manifest.Timestamp.Equal(backupStart))
	require.Len(t, manifest.Databases, 2)
	assert.Equal(t, "agent", manifest.Databases[0].Name)
	assert.Equal(t, "history", manifest.Databases[1].Name)

	for _, snap := range manifest.Databases {
		content := files[snap.Filename]
		assert.Equal(t, int64(len(content)), snap.SizeBytes)
		assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(content)), snap.Checksum)
	}

	// The snapshot must be a working database, not just a byte copy.
	restored := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(restored, files["history.db"], 0o644))
	db, err := sql.Open("sqlite", restored)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&count))
	assert.Equal(t, 5, count)

	// Staging is cleaned up after the run.
	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), "backup-staging-"),
			"staging directory %s left behind", entry.Name())
	}

	require.Len(t, completed, 1)
	assert.Equal(t, key, completed[0].Data["key"])
	assert.Equal(t, float64(0), completed[0].Data["pruned"])
}

func TestBackupUploadFailureAborts(t *testing.T) {
	dataDir := t.TempDir()
	databases := map[string]*sql.DB{"agent": testDatabase(t, dataDir, "agent", 1)}

	store := newFakeObjectStore()
	store.uploadErr = fmt.Errorf("bucket unreachable")
	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	var completed []*events.Event
	eventMgr.Bus().Subscribe(events.BackupCompleted, func(e *events.Event) {
		completed = append(completed, e)
	})

	svc := NewBackupService(databases, store, dataDir, 14, foragertest.NewMockClock(backupStart), eventMgr, zerolog.Nop())
	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload archive")
	assert.Empty(t, completed)
}

func TestRotationKeepsNewestAndPrunesPastRetention(t *testing.T) {
	clock := foragertest.NewMockClock(backupStart)

	t.Run("prunes only beyond the keep floor and cutoff", func(t *testing.T) {
		store := newFakeObjectStore()
		for _, age := range []time.Duration{
			24 * time.Hour, 48 * time.Hour, 72 * time.Hour,
			5 * 24 * time.Hour, 10 * 24 * time.Hour, 20 * 24 * time.Hour,
		} {
			store.seedArchive(backupStart.Add(-age))
		}

		svc := NewBackupService(nil, store, t.TempDir(), 7, clock, events.NewManager(events.NewBus(), zerolog.Nop()), zerolog.Nop())
		pruned, err := svc.RotateOldBackups(context.Background())
		require.NoError(t, err)

		// Newest three are immune; the 5-day archive is inside retention.
		assert.Equal(t, 2, pruned)
		assert.Len(t, store.uploads, 4)
		assert.NotContains(t, store.uploads, archivePrefix+backupStart.Add(-10*24*time.Hour).Format(archiveTimeLayout)+".tar.gz")
		assert.NotContains(t, store.uploads, archivePrefix+backupStart.Add(-20*24*time.Hour).Format(archiveTimeLayout)+".tar.gz")
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		store := newFakeObjectStore()
		for days := 1; days <= 5; days++ {
			store.seedArchive(backupStart.AddDate(0, 0, -100*days))
		}

		svc := NewBackupService(nil, store, t.TempDir(), 0, clock, events.NewManager(events.NewBus(), zerolog.Nop()), zerolog.Nop())
		pruned, err := svc.RotateOldBackups(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, pruned)
		assert.Len(t, store.uploads, 5)
	})

	t.Run("keep floor protects ancient archives", func(t *testing.T) {
		store := newFakeObjectStore()
		for days := 1; days <= 3; days++ {
			store.seedArchive(backupStart.AddDate(0, 0, -100*days))
		}

		svc := NewBackupService(nil, store, t.TempDir(), 7, clock, events.NewManager(events.NewBus(), zerolog.Nop()), zerolog.Nop())
		pruned, err := svc.RotateOldBackups(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, pruned)
		assert.Len(t, store.uploads, 3)
	})
}

func TestListBackupsParsesAndOrders(t *testing.T) {
	store := newFakeObjectStore()
	oldest := store.seedArchive(backupStart.Add(-48 * time.Hour))
	newest := store.seedArchive(backupStart.Add(-2 * time.Hour))
	middle := store.seedArchive(backupStart.Add(-24 * time.Hour))
	store.mu.Lock()
	store.uploads[archivePrefix+"not-a-timestamp.tar.gz"] = []byte("junk")
	store.mu.Unlock()

	svc := NewBackupService(nil, store, t.TempDir(), 7, foragertest.NewMockClock(backupStart), events.NewManager(events.NewBus(), zerolog.Nop()), zerolog.Nop())
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)

	require.Len(t, backups, 3)
	assert.Equal(t, newest, backups[0].Key)
	assert.Equal(t, middle, backups[1].Key)
	assert.Equal(t, oldest, backups[2].Key)
	assert.Equal(t, int64(2), backups[0].AgeHours)
	assert.Equal(t, int64(48), backups[2].AgeHours)
}
