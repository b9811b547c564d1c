// Package loader clones a repository branch into a temporary working copy and
// reads its allow-listed source files into memory.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/internal/chunker"
	"github.com/seanblong/repotalk/internal/metrics"
	"github.com/seanblong/repotalk/pkg/models"
)

const (
	DefaultCloneConcurrency = 2
	DefaultRemoveAttempts   = 3
	DefaultRemoveDelay      = 500 * time.Millisecond
)

// Loader produces the documents of one repository branch.
type Loader interface {
	Load(ctx context.Context, repoURL, branch string) ([]models.Document, error)
}

// Cloner fetches a branch of a repository into dir.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, dir string) error
}

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// GitCloner shallow-clones a single branch with the git binary.
type GitCloner struct {
	// Token is injected into https URLs when set.
	Token string
}

func (g *GitCloner) Clone(ctx context.Context, repoURL, branch, dir string) error {
	target := repoURL
	if g.Token != "" && strings.HasPrefix(target, "https://") {
		target = "https://" + g.Token + ":x-oauth-basic@" + strings.TrimPrefix(target, "https://")
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--single-branch", "--branch", branch, "--", target, dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if g.Token != "" {
			msg = strings.ReplaceAll(msg, g.Token, "***")
		}
		if msg == "" {
			return fmt.Errorf("git clone: %w", err)
		}
		return fmt.Errorf("git clone: %w: %s", err, msg)
	}
	return nil
}

type Options struct {
	// CloneDir is the parent of temporary working copies; empty means os.TempDir.
	CloneDir         string
	CloneConcurrency int
	RemoveAttempts   int
	RemoveDelay      time.Duration
}

// GitLoader loads documents from a fresh shallow clone per call. At most
// CloneConcurrency clones run at once.
type GitLoader struct {
	Cloner     Cloner
	Walker     FileSystemWalker
	FileReader FileReader

	cloneDir       string
	pool           *semaphore.Weighted
	removeAttempts int
	removeDelay    time.Duration
	removeAll      func(string) error
}

// New creates a GitLoader backed by the git binary.
func New(token string, opts Options) *GitLoader {
	return NewWithDependencies(&GitCloner{Token: token}, &DefaultFileSystemWalker{}, &DefaultFileReader{}, opts)
}

// NewWithDependencies creates a GitLoader with custom dependencies for testing
func NewWithDependencies(cloner Cloner, walker FileSystemWalker, reader FileReader, opts Options) *GitLoader {
	if opts.CloneConcurrency <= 0 {
		opts.CloneConcurrency = DefaultCloneConcurrency
	}
	if opts.RemoveAttempts <= 0 {
		opts.RemoveAttempts = DefaultRemoveAttempts
	}
	if opts.RemoveDelay <= 0 {
		opts.RemoveDelay = DefaultRemoveDelay
	}
	return &GitLoader{
		Cloner:         cloner,
		Walker:         walker,
		FileReader:     reader,
		cloneDir:       opts.CloneDir,
		pool:           semaphore.NewWeighted(int64(opts.CloneConcurrency)),
		removeAttempts: opts.RemoveAttempts,
		removeDelay:    opts.RemoveDelay,
		removeAll:      os.RemoveAll,
	}
}

// Load clones branch of repoURL and returns its source files in walk order.
// The working copy is removed before Load returns, whatever the outcome.
func (l *GitLoader) Load(ctx context.Context, repoURL, branch string) ([]models.Document, error) {
	repoID, err := RepoID(repoURL, branch)
	if err != nil {
		return nil, err
	}

	if err := l.pool.Acquire(ctx, 1); err != nil {
		return nil, apperr.Load("loader.acquire", err)
	}
	defer l.pool.Release(1)

	dir, err := os.MkdirTemp(l.cloneDir, "repotalk-*")
	if err != nil {
		return nil, apperr.Load("loader.workdir", err)
	}
	defer l.cleanup(dir)

	start := time.Now()
	log.Info().Str("repo_id", repoID).Str("dir", dir).Msg("cloning repository")
	if err := l.Cloner.Clone(ctx, repoURL, branch, dir); err != nil {
		return nil, apperr.Load("loader.clone", err)
	}

	docs, err := l.collect(ctx, repoID, dir)
	if err != nil {
		return nil, apperr.Load("loader.walk", err)
	}
	metrics.RecordClone(time.Since(start), len(docs))
	log.Info().Str("repo_id", repoID).Int("files", len(docs)).Dur("took", time.Since(start)).Msg("repository loaded")
	return docs, nil
}

func (l *GitLoader) collect(ctx context.Context, repoID, root string) ([]models.Document, error) {
	var docs []models.Document
	err := l.Walker.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// de is nil when the walker is mocked
			if de != nil {
				if de.IsDir() {
					if path != root && skipDir(de.Name()) {
						return godirwalk.SkipThis
					}
					return nil
				}
				if !de.IsRegular() {
					return nil
				}
			}
			relPath := rel(root, path)
			if inSkippedDir(relPath) || !chunker.Supported(path) {
				return nil
			}

			b, err := l.FileReader.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", relPath, err)
			}
			if !isText(b) {
				log.Debug().Str("path", relPath).Msg("skipping non-text file")
				return nil
			}
			docs = append(docs, models.Document{
				RepoID:   repoID,
				Path:     relPath,
				FileName: filepath.Base(relPath),
				Content:  string(b),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// cleanup removes dir, retrying transient failures. A directory that cannot
// be removed is only logged.
func (l *GitLoader) cleanup(dir string) {
	var err error
	for attempt := 1; attempt <= l.removeAttempts; attempt++ {
		if err = l.removeAll(dir); err == nil {
			return
		}
		log.Debug().Err(err).Str("dir", dir).Int("attempt", attempt).Msg("removing working copy failed")
		if attempt < l.removeAttempts {
			time.Sleep(l.removeDelay)
		}
	}
	log.Warn().Err(err).Str("dir", dir).Msg("working copy left behind")
}

var skippedDirs = map[string]bool{
	".git": true, "vendor": true, "node_modules": true, ".terraform": true,
	"target": true, "build": true, "dist": true, "out": true, "bin": true, "obj": true,
	".venv": true, "venv": true, "__pycache__": true, ".pytest_cache": true,
	".gradle": true, ".m2": true, ".idea": true, "coverage": true, ".cache": true,
}

func skipDir(name string) bool {
	return skippedDirs[strings.ToLower(name)]
}

// inSkippedDir checks the directories of a slash separated relative path.
func inSkippedDir(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, p := range parts[:len(parts)-1] {
		if skipDir(p) {
			return true
		}
	}
	return false
}

func isText(b []byte) bool {
	return bytes.IndexByte(b, 0) < 0 && utf8.Valid(b)
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

var _ Loader = (*GitLoader)(nil)
