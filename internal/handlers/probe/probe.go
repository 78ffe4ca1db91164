// Package probe fills in duration and bitrate for library entries by
// running ffprobe against their files.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/registry"
)

type Probe struct {
	log   zerolog.Logger
	store registry.Store
	bin   string
}

// New builds the handler. An empty bin means "ffprobe" from PATH.
func New(log zerolog.Logger, store registry.Store, bin string) *Probe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Probe{
		log:   log.With().Str("component", "probe").Logger(),
		store: store,
		bin:   bin,
	}
}

type params struct {
	UUID string `json:"uuid"`
}

// Handle probes the entry named by uuid, or every entry that has no
// duration yet. A file that cannot be probed is left alone for the
// next pass.
func (p *Probe) Handle(ctx context.Context, raw json.RawMessage) error {
	var in params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("invalid probe parameters: %w", err)
		}
	}

	files, err := p.store.ListMedia(ctx)
	if err != nil {
		return fmt.Errorf("list media: %w", err)
	}

	var probed, failed int
	found := false
	for _, m := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.UUID != "" {
			if m.UUID != in.UUID {
				continue
			}
		} else if m.DurationSecs > 0 {
			continue
		}
		found = true

		durationSecs, bitrateKbps, err := p.probeFile(ctx, m.Path)
		if err != nil {
			failed++
			p.log.Warn().Err(err).Str("uuid", m.UUID).Str("path", m.Path).Msg("probe failed")
			continue
		}
		if err := p.store.SetMediaProbe(ctx, m.UUID, durationSecs, bitrateKbps); err != nil {
			return fmt.Errorf("record probe for %s: %w", m.UUID, err)
		}
		probed++
		p.log.Info().
			Str("uuid", m.UUID).
			Int("duration_secs", durationSecs).
			Int("bitrate_kbps", bitrateKbps).
			Msg("entry probed")
	}

	if in.UUID != "" && !found {
		return fmt.Errorf("media %s: %w", in.UUID, registry.ErrNotFound)
	}
	p.log.Info().Int("probed", probed).Int("failed", failed).Msg("probe pass finished")
	return nil
}

func (p *Probe) probeFile(ctx context.Context, path string) (int, int, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-show_entries", "format=duration,bit_rate",
		"-of", "json",
		path)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return 0, 0, fmt.Errorf("%s: %v; stderr=%s", p.bin, err, ee.Stderr)
		}
		return 0, 0, fmt.Errorf("%s: %w", p.bin, err)
	}

	var res struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, 0, fmt.Errorf("parse %s output: %w", p.bin, err)
	}
	seconds, err := strconv.ParseFloat(res.Format.Duration, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("no usable duration in %s output", p.bin)
	}
	// Bitrate is best effort, some containers do not report one.
	kbps := 0
	if bps, err := strconv.Atoi(res.Format.BitRate); err == nil {
		kbps = bps / 1000
	}
	return int(math.Round(seconds)), kbps, nil
}
