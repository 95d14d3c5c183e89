// Package integration provides end-to-end tests that drive the semhls binary.
package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeFFmpeg stands in for the encoder. It writes a one-segment playlist and the segment
// file named by -hls_segment_filename. When FAKE_FFMPEG_FAIL_SEGMENT is set and the input
// path contains it, it fails the way a real encoder does.
const fakeFFmpeg = `#!/bin/sh
seg=""
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -hls_segment_filename) seg="$2"; shift 2; continue ;;
    -i) in="$2"; shift 2; continue ;;
  esac
  out="$1"
  shift
done
if [ -n "$FAKE_FFMPEG_FAIL_SEGMENT" ]; then
  case "$in" in
    *"$FAKE_FFMPEG_FAIL_SEGMENT"*) echo "Conversion failed!" >&2; exit 1 ;;
  esac
fi
media=$(printf "$seg" 0)
printf 'ts' > "$media"
cat > "$out" <<EOF
#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:1
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:EVENT
#EXT-X-INDEPENDENT-SEGMENTS
#EXTINF:1.000000,
$(basename "$media")
#EXT-X-ENDLIST
EOF
`

const configTemplate = `
[paths]
input_dir = %q
staging_dir = %q
work_dir = %q
output_dir = %q
catalog_path = %q

[encoder]
binary = %q

[[profiles]]
name = "720p"
resolution = "1280x720"
bitrate = "2000k"
bandwidth = 2000000

[[profiles]]
name = "480p"
resolution = "854x480"
bitrate = "1000k"
bandwidth = 1000000

[server]
bind = "127.0.0.1:%d"

[logging]
level = "warn"
format = "text"
%s`

// TestHarness manages a project directory and semhls processes for integration tests.
type TestHarness struct {
	t          *testing.T
	binary     string
	root       string
	configPath string
	outputDir  string
	env        []string
	servePort  int
	serveCmd   *exec.Cmd
	cancel     context.CancelFunc
}

// Result is the outcome of one semhls invocation.
type Result struct {
	ExitCode int
	Output   string
}

// NewTestHarness creates annotated input with the given number of frames, a fake encoder and
// a configuration file. extraConfig is appended to the generated configuration.
func NewTestHarness(t *testing.T, frames int, extraConfig string) *TestHarness {
	t.Helper()

	root := t.TempDir()
	h := &TestHarness{
		t:         t,
		binary:    findSemhlsBinary(t),
		root:      root,
		outputDir: filepath.Join(root, "hls"),
		servePort: findAvailablePort(t),
	}

	h.writeInput(frames)

	ffmpeg := filepath.Join(root, "bin", "ffmpeg")
	if err := os.MkdirAll(filepath.Dir(ffmpeg), 0o755); err != nil {
		t.Fatalf("failed to create bin dir: %v", err)
	}
	if err := os.WriteFile(ffmpeg, []byte(fakeFFmpeg), 0o755); err != nil {
		t.Fatalf("failed to write fake encoder: %v", err)
	}

	config := fmt.Sprintf(configTemplate,
		filepath.Join(root, "input"),
		filepath.Join(root, "staging"),
		filepath.Join(root, "work"),
		h.outputDir,
		filepath.Join(root, "catalog.db"),
		ffmpeg,
		h.servePort,
		extraConfig,
	)

	h.configPath = filepath.Join(root, "semhls.toml")
	if err := os.WriteFile(h.configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return h
}

// writeInput writes frames whose risk type changes every 30 frames.
func (h *TestHarness) writeInput(frames int) {
	h.t.Helper()

	input := filepath.Join(h.root, "input")
	for _, dir := range []string{"frame", "frame_blur"} {
		if err := os.MkdirAll(filepath.Join(input, dir), 0o755); err != nil {
			h.t.Fatalf("failed to create frame dir: %v", err)
		}
	}

	var csv strings.Builder
	csv.WriteString("frame,risk,level\n")
	for i := 1; i <= frames; i++ {
		name := fmt.Sprintf("%06d.jpg", i)
		fmt.Fprintf(&csv, "%s,%d,%d\n", name, (i-1)/30, (i-1)/30+1)
		for _, dir := range []string{"frame", "frame_blur"} {
			if err := os.WriteFile(filepath.Join(input, dir, name), []byte(dir), 0o644); err != nil {
				h.t.Fatalf("failed to write frame: %v", err)
			}
		}
	}
	if err := os.WriteFile(filepath.Join(input, "output.csv"), []byte(csv.String()), 0o644); err != nil {
		h.t.Fatalf("failed to write annotations: %v", err)
	}
}

// Setenv adds an environment variable to subsequent invocations.
func (h *TestHarness) Setenv(key, value string) {
	h.env = append(h.env, key+"="+value)
}

// ClearEnv drops variables added with Setenv.
func (h *TestHarness) ClearEnv() {
	h.env = nil
}

func (h *TestHarness) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, h.binary, append([]string{"--config", h.configPath}, args...)...)
	cmd.Env = append(os.Environ(), h.env...)
	return cmd
}

// Run executes semhls with the harness configuration and waits for it to exit.
func (h *TestHarness) Run(args ...string) Result {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := h.command(ctx, args)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Output: out.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		h.t.Fatalf("failed to run semhls: %v", err)
	}
	h.t.Logf("semhls %s exited %d\n%s", strings.Join(args, " "), res.ExitCode, res.Output)
	return res
}

// StartBackground starts a long-running semhls command and waits for its HTTP origin.
func (h *TestHarness) StartBackground(args ...string) {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.serveCmd = h.command(ctx, args)
	h.serveCmd.Stdout = os.Stdout
	h.serveCmd.Stderr = os.Stderr

	if err := h.serveCmd.Start(); err != nil {
		h.t.Fatalf("failed to start semhls: %v", err)
	}

	h.waitForServer(h.url("/health"), 30*time.Second)
	h.t.Logf("semhls serving on port %d", h.servePort)
}

// Fetch fetches a path from the running origin.
func (h *TestHarness) Fetch(path string) (string, http.Header) {
	h.t.Helper()

	resp, err := http.Get(h.url(path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code for %s: %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(body), resp.Header
}

// ReadOutput reads a file of the output tree.
func (h *TestHarness) ReadOutput(name string) string {
	h.t.Helper()

	data, err := os.ReadFile(filepath.Join(h.outputDir, name))
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

// Cleanup stops a background semhls process.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.serveCmd != nil && h.serveCmd.Process != nil {
		h.serveCmd.Process.Kill()
		h.serveCmd.Wait()
	}
}

func (h *TestHarness) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", h.servePort, path)
}

// findSemhlsBinary locates the semhls binary.
func findSemhlsBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../semhls", // From test/integration
		"./semhls",     // From project root
		"../semhls",    // From test directory
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found semhls binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("semhls binary not found. Run 'go build -o semhls ./cmd/semhls' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist represents a parsed channel playlist for testing.
type ParsedPlaylist struct {
	Version               int
	TargetDuration        int
	DiscontinuitySequence int
	Discontinuities       int
	Segments              []PlaylistSegment
	HasEndList            bool
}

// PlaylistSegment represents a tagged segment in a playlist.
type PlaylistSegment struct {
	Duration     float64
	URL          string
	SemanticType int
	Level        int
	NextLevel    int
	HasNextLevel bool
	Privacy      int
}

// ParsePlaylist parses a channel playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		DiscontinuitySequence: -1,
		Segments:              []PlaylistSegment{},
	}

	lines := strings.Split(content, "\n")
	current := &PlaylistSegment{}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-DISCONTINUITY-SEQUENCE:%d", &playlist.DiscontinuitySequence)

		case line == "#EXT-X-DISCONTINUITY":
			playlist.Discontinuities++

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case strings.HasPrefix(line, "#EXT-X-SEMANTICTYPE:"):
			fmt.Sscanf(line, "#EXT-X-SEMANTICTYPE:%d", &current.SemanticType)

		case strings.HasPrefix(line, "#EXT-X-SEMANTICLEVEL:"):
			fmt.Sscanf(line, "#EXT-X-SEMANTICLEVEL:%d", &current.Level)

		case strings.HasPrefix(line, "#EXT-X-NEXT-SEMANTICLEVEL:"):
			fmt.Sscanf(line, "#EXT-X-NEXT-SEMANTICLEVEL:%d", &current.NextLevel)
			current.HasNextLevel = true

		case strings.HasPrefix(line, "#EXT-X-PRIVACY:"):
			fmt.Sscanf(line, "#EXT-X-PRIVACY:%d", &current.Privacy)

		case strings.HasPrefix(line, "#EXTINF:"):
			fmt.Sscanf(line, "#EXTINF:%f,", &current.Duration)

		case !strings.HasPrefix(line, "#"):
			current.URL = line
			playlist.Segments = append(playlist.Segments, *current)
			current = &PlaylistSegment{}
		}
	}

	return playlist
}
