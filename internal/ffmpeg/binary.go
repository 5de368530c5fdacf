// Package ffmpeg provides transcoder binary detection for the ingest side.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// detectTimeout bounds the version probe so a wedged binary cannot stall
// startup.
const detectTimeout = 5 * time.Second

var versionRe = regexp.MustCompile(`ffmpeg version (\S+)`)

// BinaryInfo describes the resolved transcoder installation.
type BinaryInfo struct {
	Path          string `json:"path"`
	Version       string `json:"version"`
	MajorVersion  int    `json:"major_version"`
	MinorVersion  int    `json:"minor_version"`
	Configuration string `json:"configuration,omitempty"`
}

// SupportsOpus reports whether the build carries the libopus encoder needed
// for the WebM uplink format.
func (i *BinaryInfo) SupportsOpus() bool {
	return strings.Contains(i.Configuration, "--enable-libopus")
}

// Resolve locates the ffmpeg binary.
// Search order: the configured path, ./ffmpeg, then PATH.
func Resolve(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("configured ffmpeg path %q is not an executable", configured)
	}

	if local := "./ffmpeg"; isExecutable(local) {
		return local, nil
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("ffmpeg not found on PATH")
}

// Detect runs the binary's version probe and parses the result.
func Detect(ctx context.Context, path string) (*BinaryInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}

	info := &BinaryInfo{Path: path}
	for _, line := range strings.Split(string(out), "\n") {
		if m := versionRe.FindStringSubmatch(line); m != nil {
			info.Version = m[1]
			info.MajorVersion, info.MinorVersion = parseVersion(m[1])
			continue
		}
		if rest, ok := strings.CutPrefix(line, "configuration:"); ok {
			info.Configuration = strings.TrimSpace(rest)
		}
	}
	if info.Version == "" {
		return nil, fmt.Errorf("%s did not report a version", path)
	}
	return info, nil
}

// parseVersion extracts major.minor from version strings like "6.1.1" or
// "n7.0-12-gabc". Distro builds with opaque versions yield zeros.
func parseVersion(version string) (major, minor int) {
	version = strings.TrimPrefix(version, "n")
	parts := strings.FieldsFunc(version, func(r rune) bool {
		return r == '.' || r == '-'
	})
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
