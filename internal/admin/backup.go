// Package admin holds the store snapshot and retention logic used by the admin panel and the
// scheduled backup job.
package admin

import (
	"VPN-Reseller-bot/internal/chat"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Retention is how long archives are kept.
const Retention = 31 * 24 * time.Hour

// BackupDatabase dumps a Postgres database into filename.
func BackupDatabase(ctx context.Context, filename, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ZipDir writes every *.json file of src into a zip archive at dst.
func ZipDir(src, dst string) (int, error) {
	files, err := filepath.Glob(filepath.Join(src, "*.json"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	zw := zip.NewWriter(f)
	for _, name := range files {
		if err := addFile(zw, name); err != nil {
			zw.Close()
			f.Close()
			os.Remove(dst)
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return 0, err
	}
	return len(files), f.Close()
}

func addFile(zw *zip.Writer, name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(name)
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// CleanOldBackups removes archives in dir older than maxAge and returns how many were deleted.
func CleanOldBackups(dir string, maxAge time.Duration, now time.Time) (int, error) {
	var files []string
	for _, pattern := range []string{"backup_*.zip", "*backup_*.dump"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		files = append(files, m...)
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Backuper snapshots the store and sends the archive to admins.
type Backuper struct {
	dataDir   string
	dsn       string
	dir       string
	transport chat.Transport
	admins    []int64
	log       *zap.Logger
	now       func() time.Time
}

// NewBackuper snapshots dataDir, or the Postgres database when dsn is set, into dir.
func NewBackuper(dataDir, dsn, dir string, transport chat.Transport, admins []int64, log *zap.Logger) *Backuper {
	return &Backuper{dataDir: dataDir, dsn: dsn, dir: dir, transport: transport, admins: admins, log: log, now: time.Now}
}

// Create writes a new archive and returns its path.
func (b *Backuper) Create(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", err
	}
	stamp := b.now().Format("20060102_150405")
	if b.dsn != "" {
		name := filepath.Join(b.dir, "backup_"+stamp+".dump")
		return name, BackupDatabase(ctx, name, b.dsn)
	}
	name := filepath.Join(b.dir, "backup_"+stamp+".zip")
	n, err := ZipDir(b.dataDir, name)
	if err != nil {
		return "", err
	}
	b.log.Info("backup created", zap.String("file", name), zap.Int("files", n))
	return name, nil
}

// Send delivers an archive to the given chats, or to every admin when none are given.
func (b *Backuper) Send(ctx context.Context, path string, chatIDs ...int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(chatIDs) == 0 {
		chatIDs = b.admins
	}
	caption := fmt.Sprintf("🗄 Backup %s", b.now().Format("2006-01-02 15:04"))
	var firstErr error
	for _, id := range chatIDs {
		if _, err := b.transport.SendDocument(ctx, id, filepath.Base(path), data, caption); err != nil {
			b.log.Warn("backup not delivered", zap.Int64("chat_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run is the scheduled job: create, send to admins, prune.
func (b *Backuper) Run(ctx context.Context) error {
	path, err := b.Create(ctx)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if err := b.Send(ctx, path); err != nil {
		b.log.Warn("backup delivery incomplete", zap.Error(err))
	}
	removed, err := CleanOldBackups(b.dir, Retention, b.now())
	if err != nil {
		return err
	}
	if removed > 0 {
		b.log.Info("old backups removed", zap.Int("count", removed))
	}
	return nil
}
