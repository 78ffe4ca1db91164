package library

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFilename(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path   string
		title  string
		artist string
	}{
		{"Runaway - AURORA.mp3", "Runaway", "AURORA"},
		{"/music/pop/Dancing On My Own - Robyn.flac", "Dancing On My Own", "Robyn"},
		{"track01.mp3", "track01", ""},
		{"Let Her Go (DOAN Remix) - Doan.mp3", "Let Her Go", "Doan"},
		{"Libertus - Chen-U_EG.flac", "Libertus", "Chen-U, EG"},
		{"Silent Street (Type A) - Hyunmin Cho _ seibin _ SHIFT UP.mp3", "Silent Street", "Hyunmin Cho, seibin, SHIFT UP"},
		{"玉盘 - 葫芦童声.mp3", "玉盘", "葫芦童声"},
		{"病名为爱 (国语) - 祖娅纳惜.mp3", "病名为爱", "祖娅纳惜"},
		{"夜曲(国语版)-周杰伦.mp3", "夜曲", "周杰伦"},
		{"RISE（中文版） - 祈Inory.mp3", "RISE", "祈Inory"},
		{"01. Crush - Ethel Cain.mp3", "Crush", "Ethel Cain"},
		{"02 - Vampire Empire - Big Thief.m4a", "Vampire Empire", "Big Thief"},
		{"1999 - Charli XCX.mp3", "1999", "Charli XCX"},
		{"7 Years - Lukas Graham.mp3", "7 Years", "Lukas Graham"},
		{"First & Last - Cults.ogg", "First & Last", "Cults"},
		{"Never Be Mine - Angel Olsen & Sharon Van Etten.mp3", "Never Be Mine", "Angel Olsen, Sharon Van Etten"},
		{"(demo).mp3", "(demo)", ""},
		{"- nameless.ogg", "nameless", ""},
	}
	for _, tc := range tests {
		title, artist := ParseFilename(tc.path)
		if title != tc.title || artist != tc.artist {
			t.Errorf("ParseFilename(%q) = (%q, %q), want (%q, %q)", tc.path, title, artist, tc.title, tc.artist)
		}
	}
}

func TestIsAudioFile(t *testing.T) {
	t.Parallel()
	yes := []string{"a.mp3", "b.FLAC", "/x/y/c.wav", "d.m4a", "e.ogg"}
	no := []string{"cover.jpg", "notes.txt", "playlist.m3u", "song.mp3.part", "noext"}
	for _, p := range yes {
		if !IsAudioFile(p) {
			t.Errorf("IsAudioFile(%q) = false, want true", p)
		}
	}
	for _, p := range no {
		if IsAudioFile(p) {
			t.Errorf("IsAudioFile(%q) = true, want false", p)
		}
	}
}

func TestFileMD5(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum, err := FileMD5(path)
	if err != nil {
		t.Fatalf("FileMD5: %v", err)
	}
	if sum != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Fatalf("sum = %s", sum)
	}
	if _, err := FileMD5(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("FileMD5 on missing file succeeded")
	}
}

func TestInspect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "Runaway - AURORA.mp3")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if m.Name != "Runaway" || m.Artist != "AURORA" {
		t.Fatalf("parsed (%q, %q)", m.Name, m.Artist)
	}
	if m.MD5 != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Fatalf("MD5 = %s", m.MD5)
	}
	if m.SizeBytes != int64(len("hello world")) {
		t.Fatalf("SizeBytes = %d", m.SizeBytes)
	}
	if m.Source != "local" || m.Path != path {
		t.Fatalf("entry = %+v", m)
	}
	if len(m.UUID) < 5 || m.UUID[:4] != "med_" {
		t.Fatalf("UUID = %q, want med_ prefix", m.UUID)
	}
	if m.DurationSecs != 0 || m.BitrateKbps != 0 {
		t.Fatal("probe fields should start zero")
	}

	if _, err := Inspect(filepath.Join(dir, "absent.mp3")); err == nil {
		t.Fatal("Inspect on missing file succeeded")
	}
}
