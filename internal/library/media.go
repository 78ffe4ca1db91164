// Package library knows the on-disk shape of the music collection:
// which files count as audio, how filenames encode artist and title,
// and how to fingerprint a file for import. It also watches the
// collection directories for changes.
package library

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/murphys7017/music-server/internal/domain"
)

var audioExts = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".m4a":  true,
	".ogg":  true,
}

func IsAudioFile(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}

// ParseFilename extracts title and artist from a media file name. The
// library convention is "Title - Artist.ext"; a bare "-" or "_" works
// as a fallback separator. A leading track number is dropped, bracketed
// qualifiers like "(Remix)" or "(Live)" are stripped from both parts,
// and multi-artist separators ("_", " & ") become commas. Files with no
// separator keep the whole base name as title and no artist.
func ParseFilename(path string) (title, artist string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = stripTrackNumber(strings.TrimSpace(base))

	var rawTitle, rawArtist string
	switch {
	case strings.Contains(base, " - "):
		rawTitle, rawArtist, _ = strings.Cut(base, " - ")
		rawArtist = normalizeArtists(rawArtist)
	case strings.Contains(base, "-"):
		rawTitle, rawArtist, _ = strings.Cut(base, "-")
	case strings.Contains(base, "_"):
		rawTitle, rawArtist, _ = strings.Cut(base, "_")
	default:
		rawTitle = base
	}

	title = stripBrackets(rawTitle)
	artist = stripBrackets(rawArtist)
	if title == "" && artist != "" {
		title, artist = artist, ""
	}
	if title == "" {
		title = strings.TrimSpace(base)
	}
	return title, artist
}

// stripTrackNumber drops a leading "01. ", "01) " or "01 - " prefix.
// Runs of four or more digits stay: those are titles like "1999", not
// track numbers.
func stripTrackNumber(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i > 3 {
		return s
	}
	rest := s[i:]
	for _, sep := range []string{". ", ") ", " - "} {
		if strings.HasPrefix(rest, sep) {
			if r := strings.TrimSpace(rest[len(sep):]); r != "" {
				return r
			}
		}
	}
	return s
}

var (
	openBrackets  = map[rune]bool{'(': true, '[': true, '<': true, '（': true, '【': true}
	closeBrackets = map[rune]bool{')': true, ']': true, '>': true, '）': true, '】': true}
)

// stripBrackets removes bracketed segments, including full-width CJK
// bracket pairs, and collapses the spacing left behind.
func stripBrackets(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case openBrackets[r]:
			depth++
		case closeBrackets[r]:
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeArtists(s string) string {
	s = strings.ReplaceAll(s, " & ", ", ")
	s = strings.ReplaceAll(s, " _ ", ", ")
	s = strings.ReplaceAll(s, "_", ", ")
	return strings.Join(strings.Fields(s), " ")
}

// FileMD5 fingerprints the file content. The hash only identifies
// duplicates within the library.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Inspect builds a library entry for one audio file on disk. Duration
// and bitrate stay zero until a probe fills them in.
func Inspect(path string) (domain.MediaFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.MediaFile{}, err
	}
	sum, err := FileMD5(path)
	if err != nil {
		return domain.MediaFile{}, err
	}
	title, artist := ParseFilename(path)
	return domain.MediaFile{
		UUID:      "med_" + uuid.NewString(),
		MD5:       sum,
		Path:      path,
		Name:      title,
		Artist:    artist,
		Source:    "local",
		SizeBytes: info.Size(),
		AddedAt:   time.Now().UTC(),
	}, nil
}
