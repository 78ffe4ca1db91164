// Package fetch downloads a remote audio file into the library.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/library"
	"github.com/murphys7017/music-server/internal/registry"
)

const defaultMaxBytes = 512 << 20

type Fetch struct {
	log    zerolog.Logger
	store  registry.Store
	client *http.Client
	dir    string

	// MaxBytes caps a single download. New sets the default.
	MaxBytes int64
}

// New builds the handler; downloads land under dir.
func New(log zerolog.Logger, store registry.Store, dir string) *Fetch {
	return &Fetch{
		log:      log.With().Str("component", "fetch").Logger(),
		store:    store,
		client:   &http.Client{Timeout: 5 * time.Minute},
		dir:      dir,
		MaxBytes: defaultMaxBytes,
	}
}

type params struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Source string `json:"source"`
}

func (f *Fetch) Handle(ctx context.Context, raw json.RawMessage) error {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid fetch parameters: %w", err)
	}
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch %s: HTTP %d", p.URL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !audioLike(ct) {
		return fmt.Errorf("fetch %s: unexpected content type %q", p.URL, ct)
	}
	if resp.ContentLength > f.MaxBytes {
		return fmt.Errorf("fetch %s: %d bytes exceeds the %d byte limit", p.URL, resp.ContentLength, f.MaxBytes)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	dest := filepath.Join(f.dir, fileName(p, req.URL.Path))
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("download %s: %w", p.URL, err)
	}
	if n > f.MaxBytes {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("download %s: exceeds the %d byte limit", p.URL, f.MaxBytes)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}

	m, err := library.Inspect(dest)
	if err != nil {
		return fmt.Errorf("inspect download: %w", err)
	}
	if p.Title != "" {
		m.Name = p.Title
	}
	if p.Artist != "" {
		m.Artist = p.Artist
	}
	m.Source = "fetch"
	if p.Source != "" {
		m.Source = p.Source
	}

	created, err := f.store.UpsertMedia(ctx, m)
	if err != nil {
		return fmt.Errorf("register download: %w", err)
	}
	if !created {
		f.log.Info().Str("path", dest).Str("md5", m.MD5).Msg("content already in library, entry kept")
		return nil
	}
	f.log.Info().
		Str("uuid", m.UUID).
		Str("title", m.Name).
		Str("artist", m.Artist).
		Str("path", dest).
		Int64("bytes", m.SizeBytes).
		Msg("file fetched")
	return nil
}

// fileName picks the on-disk name: "Title - Artist.ext" when both are
// known, otherwise the URL's base name.
func fileName(p params, urlPath string) string {
	ext := path.Ext(urlPath)
	if ext == "" {
		ext = ".mp3"
	}
	if p.Title != "" && p.Artist != "" {
		return sanitize(p.Title) + " - " + sanitize(p.Artist) + ext
	}
	if base := path.Base(urlPath); base != "." && base != "/" {
		return sanitize(base)
	}
	return "download" + ext
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	return strings.TrimSpace(s)
}

// audioLike accepts audio types and the generic binary types remote
// hosts serve audio under. Anything recognizably not audio, error
// pages in particular, is refused before a byte lands on disk.
func audioLike(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	if strings.HasPrefix(mt, "audio/") {
		return true
	}
	switch mt {
	case "application/octet-stream", "binary/octet-stream",
		"application/ogg", "application/flac", "video/mp4":
		return true
	}
	return false
}
