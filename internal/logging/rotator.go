package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that is renamed aside once it
// reaches Config.MaxSize megabytes.
type FileRotator struct {
	config *Config

	mu   sync.Mutex
	file *os.File
	size int64
	seq  int

	// background tracks compression and pruning after a rotation.
	background sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if limit := r.config.MaxSize * 1024 * 1024; limit > 0 && r.size > 0 && r.size+int64(len(p)) > limit {
		if err := r.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate forces a rotation.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *FileRotator) rotateLocked() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	dir, name, ext := r.parts()
	r.seq++
	stamp := time.Now().Format("20060102-150405")
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", name, stamp, r.seq, ext))
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.open(); err != nil {
		return err
	}

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if r.config.Compress {
			compressFile(rotated)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return filepath.Dir(r.config.FilePath), strings.TrimSuffix(base, ext), ext
}

// Backups returns rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	dir, name, ext := r.parts()
	matches, err := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{m, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// prune enforces MaxBackups and MaxAge.
func (r *FileRotator) prune() {
	backups, err := r.Backups()
	if err != nil {
		return
	}

	if r.config.MaxBackups > 0 && len(backups) > r.config.MaxBackups {
		for _, p := range backups[:len(backups)-r.config.MaxBackups] {
			os.Remove(p)
		}
		backups = backups[len(backups)-r.config.MaxBackups:]
	}

	if r.config.MaxAge <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
	for _, p := range backups {
		if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p)
		}
	}
}

// compressFile replaces path with path.gz. On failure the original stays.
func compressFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.background.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
