// Package reliability owns the nightly snapshot backups: consistent
// SQLite copies archived with a checksum manifest and shipped to
// S3-compatible storage, with rotation on the remote side.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/version"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // snapshot verification opens the copies directly
)

const (
	archivePrefix     = "forager-backup-"
	archiveTimeLayout = "2006-01-02-150405"
	manifestName      = "manifest.json"
	moduleName        = "reliability"

	// The newest archives survive rotation regardless of age, so a
	// misconfigured retention can never delete the last good backup.
	minBackupsKept = 3
)

// ObjectStore is the slice of the S3 client the backup service uses.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// Manifest describes the contents of one backup archive.
type Manifest struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseSnapshot `json:"databases"`
}

// DatabaseSnapshot describes one database file inside an archive.
type DatabaseSnapshot struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one archive stored remotely, newest first in
// listings.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService archives the agent's databases nightly. Snapshots are
// taken with VACUUM INTO so an archive never captures a half-checkpointed
// WAL, verified with an integrity check before they are admitted, and
// checksummed into the manifest so a restore can prove what it unpacked.
type BackupService struct {
	databases     map[string]*sql.DB
	store         ObjectStore
	dataDir       string
	retentionDays int
	clock         domain.Clock
	events        *events.Manager
	log           zerolog.Logger
}

// NewBackupService creates the service. retentionDays of zero keeps
// archives forever.
func NewBackupService(
	databases map[string]*sql.DB,
	store ObjectStore,
	dataDir string,
	retentionDays int,
	clock domain.Clock,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		databases:     databases,
		store:         store,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		clock:         clock,
		events:        eventMgr,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// Run snapshots every database, archives the copies with a checksum
// manifest, uploads the archive, and prunes remote archives past the
// retention window. Any snapshot or upload failure aborts the whole run;
// a partial archive is worse than none.
func (s *BackupService) Run(ctx context.Context) error {
	started := s.clock.Now().UTC()
	s.log.Info().Msg("Starting backup")

	staging, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{Timestamp: started, Version: version.Version}
	files := make([]string, 0, len(s.databases)+1)
	for _, name := range sortedNames(s.databases) {
		filename := name + ".db"
		dest := filepath.Join(staging, filename)

		if err := s.snapshotDatabase(ctx, name, dest); err != nil {
			return fmt.Errorf("snapshot %s: %w", name, err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return fmt.Errorf("stat snapshot %s: %w", name, err)
		}
		checksum, err := checksumFile(dest)
		if err != nil {
			return fmt.Errorf("checksum snapshot %s: %w", name, err)
		}

		manifest.Databases = append(manifest.Databases, DatabaseSnapshot{
			Name:      name,
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	if err := writeManifest(filepath.Join(staging, manifestName), manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	files = append(files, manifestName)

	key := archivePrefix + started.Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(staging, key)
	if err := createArchive(archivePath, staging, files); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, key, archive, archiveInfo.Size()); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	pruned, err := s.RotateOldBackups(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	duration := s.clock.Now().UTC().Sub(started)
	s.events.EmitTyped(moduleName, &events.BackupCompletedData{
		Key:        key,
		SizeBytes:  archiveInfo.Size(),
		DurationMS: float64(duration.Microseconds()) / 1000.0,
		Pruned:     pruned,
	})
	s.log.Info().
		Str("archive", key).
		Int64("size_bytes", archiveInfo.Size()).
		Int("databases", len(manifest.Databases)).
		Int("pruned", pruned).
		Msg("Backup completed")

	return nil
}

// ListBackups returns the remote archives, newest first. Objects under
// the backup prefix whose names don't parse are skipped.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	now := s.clock.Now().UTC()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := parseArchiveKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unrecognized name")
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives older than the retention window,
// always keeping the newest minBackupsKept. Returns how many it deleted.
func (s *BackupService) RotateOldBackups(ctx context.Context) (int, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsKept {
		return 0, nil
	}

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, backup := range backups[minBackupsKept:] {
		if !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().
			Str("key", backup.Key).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old backup")
		deleted++
	}

	return deleted, nil
}

// snapshotDatabase writes a consistent copy of one database to dest and
// verifies it before admitting it to the archive.
func (s *BackupService) snapshotDatabase(ctx context.Context, name, dest string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("unknown database %q", name)
	}

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	if err := verifySnapshot(ctx, dest); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func verifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func parseArchiveKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	ts, err := time.Parse(archiveTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func sortedNames(databases map[string]*sql.DB) []string {
	names := make([]string, 0, len(databases))
	for name := range databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, manifest Manifest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifest)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer archive.Close()

	gzWriter := gzip.NewWriter(archive)
	defer gzWriter.Close()
	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, path, nameInArchive string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}
