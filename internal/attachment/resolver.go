// Package attachment stages message attachments on local disk for the
// duration of one dispatch.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"agentrelay/internal/domain"
)

const (
	DefaultMaxBytes     = 20 * 1024 * 1024
	DefaultCleanupDelay = 60 * time.Second
	downloadTimeout     = 60 * time.Second
	maxFilenameLen      = 200
)

var (
	ErrInvalidFileID = errors.New("invalid attachment file id")
	ErrTooLarge      = errors.New("attachment exceeds size limit")
)

var (
	fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// URLSource issues short-lived signed download URLs.
type URLSource interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Config configures a Resolver.
type Config struct {
	Source       URLSource
	Dir          string // staging directory; a private temp dir when empty
	MaxBytes     int64
	CleanupDelay time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Resolver downloads attachments into a process-local staging directory.
type Resolver struct {
	source       URLSource
	dir          string
	ownsDir      bool
	maxBytes     int64
	cleanupDelay time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// New creates a resolver and its staging directory.
func New(cfg Config) (*Resolver, error) {
	dir := cfg.Dir
	owns := false
	if dir == "" {
		d, err := os.MkdirTemp("", "agentrelay-attachments-")
		if err != nil {
			return nil, fmt.Errorf("create attachment staging dir: %w", err)
		}
		dir, owns = d, true
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment staging dir: %w", err)
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	delay := cfg.CleanupDelay
	if delay <= 0 {
		delay = DefaultCleanupDelay
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}

	return &Resolver{
		source:       cfg.Source,
		dir:          dir,
		ownsDir:      owns,
		maxBytes:     maxBytes,
		cleanupDelay: delay,
		client:       client,
		logger:       cfg.Logger,
	}, nil
}

// Dir returns the staging directory.
func (r *Resolver) Dir() string { return r.dir }

// Resolve stages every attachment it can and returns those that succeeded.
// Failures are logged and skipped; a message is still delivered without them.
// Each call stages into its own directory under the staging dir.
func (r *Resolver) Resolve(ctx context.Context, msgID string, atts []domain.Attachment) []domain.ResolvedAttachment {
	if len(atts) == 0 {
		return nil
	}
	dir := filepath.Join(r.dir, SanitizeFilename(msgID)+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		r.logger.Warn("attachments skipped", "message_id", msgID, "err", err)
		return nil
	}

	resolved := make([]domain.ResolvedAttachment, 0, len(atts))
	for _, a := range atts {
		ra, err := r.fetch(ctx, dir, a)
		if err != nil {
			r.logger.Warn("attachment skipped",
				"message_id", msgID,
				"file_id", a.FileID,
				"filename", a.Filename,
				"err", err,
			)
			continue
		}
		resolved = append(resolved, ra)
	}
	if len(resolved) == 0 {
		os.RemoveAll(dir)
	}
	return resolved
}

func (r *Resolver) fetch(ctx context.Context, dir string, a domain.Attachment) (domain.ResolvedAttachment, error) {
	if !ValidFileID(a.FileID) {
		return domain.ResolvedAttachment{}, ErrInvalidFileID
	}

	signed, err := r.source.FileURL(ctx, a.FileID)
	if err != nil {
		return domain.ResolvedAttachment{}, fmt.Errorf("request download url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return domain.ResolvedAttachment{}, fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return domain.ResolvedAttachment{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ResolvedAttachment{}, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > r.maxBytes {
		return domain.ResolvedAttachment{}, fmt.Errorf("%w: declared %s, max %s", ErrTooLarge,
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(r.maxBytes)))
	}

	path := filepath.Join(dir, a.FileID+"_"+SanitizeFilename(a.Filename))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return domain.ResolvedAttachment{}, fmt.Errorf("create staged file: %w", err)
	}
	written, err := io.Copy(out, io.LimitReader(resp.Body, r.maxBytes+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return domain.ResolvedAttachment{}, fmt.Errorf("write staged file: %w", err)
	}
	if written > r.maxBytes {
		os.Remove(path)
		return domain.ResolvedAttachment{}, fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.IBytes(uint64(r.maxBytes)))
	}

	r.logger.Debug("attachment staged",
		"file_id", a.FileID,
		"size", humanize.IBytes(uint64(written)),
		"path", path,
	)
	return domain.ResolvedAttachment{
		Filename:  a.Filename,
		MimeType:  a.MimeType,
		LocalPath: path,
	}, nil
}

// ScheduleCleanup deletes the staging directories of files after the cleanup
// delay. The timers are independent of any loop context; removal errors are
// ignored.
func (r *Resolver) ScheduleCleanup(files []domain.ResolvedAttachment) {
	if len(files) == 0 {
		return
	}
	var paths []string
	seen := make(map[string]bool)
	for _, f := range files {
		p := f.LocalPath
		if d := filepath.Dir(p); d != r.dir && filepath.Dir(d) == r.dir {
			p = d
		}
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	time.AfterFunc(r.cleanupDelay, func() {
		for _, p := range paths {
			os.RemoveAll(p)
		}
	})
}

// Close removes the staging directory if the resolver created it.
func (r *Resolver) Close() error {
	if !r.ownsDir {
		return nil
	}
	return os.RemoveAll(r.dir)
}

// ValidFileID reports whether id is safe to use as a path component.
func ValidFileID(id string) bool {
	return fileIDPattern.MatchString(id)
}

// SanitizeFilename maps name to a safe charset and truncates it.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "file"
	}
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	return name
}
