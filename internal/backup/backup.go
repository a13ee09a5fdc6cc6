// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backup archives the data directory into rotated tar.gz snapshots
// and optionally ships them to S3-compatible storage.
package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/events"
)

const archivePrefix = "polyad-"

// Uploader ships a finished archive to remote storage.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Manager creates, rotates and uploads backups of the data directory.
type Manager struct {
	config   *config.BackupConfig
	dataDir  string
	bus      *events.Bus
	uploader Uploader

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewManager creates a backup manager for dataDir. When S3 is configured an
// uploader is wired in; construction fails if the S3 client cannot be built.
func NewManager(cfg *config.BackupConfig, dataDir string, bus *events.Bus) (*Manager, error) {
	if cfg == nil {
		def := config.DefaultConfig().Backup
		cfg = &def
	}

	m := &Manager{
		config:   cfg,
		dataDir:  dataDir,
		bus:      bus,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	if cfg.S3.Endpoint != "" {
		up, err := newS3Uploader(&cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("backup: failed to create S3 uploader: %w", err)
		}
		m.uploader = up
	}
	return m, nil
}

// CreateBackup archives the data directory and returns the archive path. The
// oldest archives beyond the keep count are removed afterwards.
func (m *Manager) CreateBackup(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.config.Dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: failed to create backup directory: %w", err)
	}

	name := archivePrefix + m.now().Format("20060102-150405") + ".tar.gz"
	path := filepath.Join(m.config.Dir, name)

	start := m.now()
	files, err := m.archive(path)
	if err != nil {
		os.Remove(path)
		return "", err
	}

	if err := m.rotateLocked(); err != nil {
		log.Warnf("Backup rotation failed: %v", err)
	}

	if m.uploader != nil {
		if err := m.uploader.Upload(ctx, path); err != nil {
			log.Errorf("Backup upload failed for %s: %v", name, err)
		} else {
			log.Infof("Backup %s uploaded to remote storage", name)
		}
	}

	log.Infof("Backup %s created with %d files in %v", name, files, time.Since(start).Round(time.Millisecond))

	if m.bus != nil {
		m.bus.PublishAsync(events.NewPayload(events.EventBackupFinished, "backup", map[string]interface{}{
			"path":  path,
			"files": files,
		}))
	}
	return path, nil
}

// archive writes a tar.gz of the data directory. Paths inside the archive are
// relative to the data directory. Returns the number of regular files stored.
func (m *Manager) archive(dest string) (int, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("backup: failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	files := 0
	walkErr := filepath.Walk(m.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(m.dataDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// Never archive the backup directory into itself.
		if abs, err := filepath.Abs(path); err == nil {
			if backupAbs, err := filepath.Abs(m.config.Dir); err == nil && strings.HasPrefix(abs, backupAbs) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return 0, fmt.Errorf("backup: failed to archive %s: %w", m.dataDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("backup: failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("backup: failed to finish archive: %w", err)
	}
	return files, nil
}

func (m *Manager) rotateLocked() error {
	keep := m.config.Keep
	if keep <= 0 {
		keep = 5
	}

	archives, err := m.listLocked()
	if err != nil {
		return err
	}
	for len(archives) > keep {
		victim := archives[0]
		if err := os.Remove(filepath.Join(m.config.Dir, victim)); err != nil {
			return fmt.Errorf("backup: failed to remove old archive %s: %w", victim, err)
		}
		log.Debugf("Rotated out old backup %s", victim)
		archives = archives[1:]
	}
	return nil
}

// List returns archive names, oldest first.
func (m *Manager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() ([]string, error) {
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: failed to read backup directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), archivePrefix) && strings.HasSuffix(e.Name(), ".tar.gz") {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	return names, nil
}

// Restore unpacks an archive into dir.
func (m *Manager) Restore(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("backup: invalid archive %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: failed to read archive: %w", err)
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("backup: archive entry %s escapes restore directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode()); err != nil {
				return fmt.Errorf("backup: failed to restore directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("backup: failed to restore %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode())
			if err != nil {
				return fmt.Errorf("backup: failed to restore %s: %w", hdr.Name, err)
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return fmt.Errorf("backup: failed to restore %s: %w", hdr.Name, err)
			}
		}
	}
}

// Start launches the periodic backup loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || !m.config.Enabled {
		m.mu.Unlock()
		return
	}
	m.started = true
	// Fresh channel each start so the manager can be restarted after Stop.
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	interval := m.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := m.CreateBackup(context.Background()); err != nil {
					log.Errorf("Scheduled backup failed: %v", err)
				}
			}
		}
	}()
	log.Info("Backup manager started")
}

// Stop stops the backup loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stop := m.stopChan
	m.mu.Unlock()

	close(stop)
	m.wg.Wait()
	log.Info("Backup manager stopped")
}

// s3Uploader ships archives to an S3-compatible bucket.
type s3Uploader struct {
	client *minio.Client
	bucket string
}

func newS3Uploader(cfg *config.S3Config) (*s3Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &s3Uploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *s3Uploader) Upload(ctx context.Context, path string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, filepath.Base(path), path, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	return err
}
