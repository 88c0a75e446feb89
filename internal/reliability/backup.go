package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/version"
)

const (
	archivePrefix  = "tradecore-backup-"
	archiveStamp   = "2006-01-02-150405"
	minBackupsKept = 3
)

// ObjectStore is the slice of the S3 client the backup service needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// BackupMetadata rides inside every archive so a restore can verify
// what it is unpacking.
type BackupMetadata struct {
	Timestamp     time.Time          `json:"timestamp"`
	EngineVersion string             `json:"engine_version"`
	Databases     []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file in the archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one archive in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots every database into a staging directory,
// bundles them with checksummed metadata into a tar.gz, and ships the
// archive off-site. Snapshots use VACUUM INTO so the copy is consistent
// without pausing writers.
type BackupService struct {
	store         ObjectStore
	databases     map[string]*database.DB
	dataDir       string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService creates the backup service. retentionDays 0 keeps
// archives forever.
func NewBackupService(store ObjectStore, databases map[string]*database.DB, dataDir string, retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:         store,
		databases:     databases,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "backup").Logger(),
	}
}

// Run creates one archive, uploads it, and rotates old ones.
func (s *BackupService) Run(ctx context.Context) error {
	start := time.Now()

	staging := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	metadata := BackupMetadata{
		Timestamp:     start.UTC(),
		EngineVersion: version.Version,
		Databases:     make([]DatabaseMetadata, 0, len(names)),
	}

	files := make([]string, 0, len(names)+1)
	for _, name := range names {
		filename := name + ".db"
		snapPath := filepath.Join(staging, filename)
		if err := s.snapshot(s.databases[name], snapPath); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := checksumFile(snapPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	metadataPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, "backup-metadata.json")

	archiveName := archivePrefix + start.UTC().Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, staging, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	info, _ := os.Stat(archivePath)
	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", info.Size()).
		Dur("took", time.Since(start)).
		Msg("Backup uploaded")

	return s.Rotate(ctx)
}

// ListBackups returns the archives in the bucket, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	now := time.Now().UTC()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveStamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Unparseable backup name, skipping")
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives past the retention window. The newest
// minBackupsKept archives survive regardless of age.
func (s *BackupService) Rotate(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Old backups rotated")
	}
	return nil
}

// snapshot writes a consistent copy of db to path via VACUUM INTO.
func (s *BackupService) snapshot(db *database.DB, path string) error {
	os.Remove(path)
	escaped := strings.ReplaceAll(path, "'", "''")
	if _, err := db.Exec("VACUUM INTO '" + escaped + "'"); err != nil {
		return err
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, filename := range filenames {
		if err := addFile(tw, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to archive %s: %w", filename, err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// BackupJob runs the nightly backup from the cron scheduler.
type BackupJob struct {
	svc *BackupService
}

func NewBackupJob(svc *BackupService) *BackupJob { return &BackupJob{svc: svc} }

func (j *BackupJob) Name() string { return "cloud_backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	return j.svc.Run(ctx)
}
