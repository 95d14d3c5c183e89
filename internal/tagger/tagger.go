// Package tagger inserts the semantic tag block into an encoder-produced playlist.
package tagger

import (
	"fmt"
	"os"
	"strings"

	"github.com/agleyzer/semhls/internal/fileutil"
	"github.com/agleyzer/semhls/pkg/semtag"
)

// Tags is the metadata written ahead of the segment entry.
type Tags struct {
	RiskType  int
	RiskLevel int
	Privacy   bool
}

// Inject inserts TYPE, LEVEL and PRIVACY lines directly before the first #EXTINF line.
// Every other line is copied unchanged. Input that already carries a tag block is not
// detected; callers tag each encoder playlist once.
func Inject(text string, tags Tags) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines)+3)
	injected := false

	for _, line := range lines {
		if !injected && strings.HasPrefix(strings.TrimSpace(line), "#EXTINF:") {
			out = append(out,
				semtag.Line(semtag.Type, tags.RiskType),
				semtag.Line(semtag.Level, tags.RiskLevel),
				semtag.Line(semtag.Privacy, semtag.Bool(tags.Privacy)),
			)
			injected = true
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// InjectFile rewrites the playlist at path in place.
func InjectFile(path string, tags Tags) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read playlist: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat playlist: %w", err)
	}

	if err := fileutil.WriteFile(path, []byte(Inject(string(data), tags)), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	return nil
}
