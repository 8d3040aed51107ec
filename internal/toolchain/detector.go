// Package toolchain detects the developer tools installed on the host so
// planning can prefer commands that will actually run.
package toolchain

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// versionTimeout bounds each version probe.
const versionTimeout = 2 * time.Second

// Tool is one detected executable.
type Tool struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// Summary renders the tool as a one-line fact.
func (t Tool) Summary() string {
	if t.Version == "" {
		return fmt.Sprintf("toolchain: %s available at %s", t.Name, t.Path)
	}
	return fmt.Sprintf("toolchain: %s available at %s (%s)", t.Name, t.Path, t.Version)
}

// Probe describes how to find a tool. Binaries are tried in order; an empty
// VersionArg skips the version query.
type Probe struct {
	Name       string
	Binaries   []string
	VersionArg string
}

// DefaultProbes covers common build and runtime tools.
var DefaultProbes = []Probe{
	{Name: "git", Binaries: []string{"git"}, VersionArg: "--version"},
	{Name: "go", Binaries: []string{"go"}, VersionArg: "version"},
	{Name: "node", Binaries: []string{"node"}, VersionArg: "--version"},
	{Name: "npm", Binaries: []string{"npm"}, VersionArg: "--version"},
	{Name: "python", Binaries: []string{"python3", "python"}, VersionArg: "--version"},
	{Name: "pip", Binaries: []string{"pip3", "pip"}, VersionArg: "--version"},
	{Name: "make", Binaries: []string{"make"}, VersionArg: "--version"},
	{Name: "cargo", Binaries: []string{"cargo"}, VersionArg: "--version"},
	{Name: "dotnet", Binaries: []string{"dotnet"}, VersionArg: "--version"},
	{Name: "java", Binaries: []string{"java"}, VersionArg: "-version"},
	{Name: "docker", Binaries: []string{"docker"}, VersionArg: "--version"},
}

// Detector scans for installed tools.
type Detector struct {
	probes   []Probe
	lookPath func(string) (string, error)
	version  func(ctx context.Context, path, arg string) string
}

// NewDetector creates a detector for probes, or DefaultProbes when none are
// given.
func NewDetector(probes ...Probe) *Detector {
	if len(probes) == 0 {
		probes = DefaultProbes
	}
	return &Detector{
		probes:   probes,
		lookPath: exec.LookPath,
		version:  commandVersion,
	}
}

// Scan returns the tools found on PATH, in probe order.
func (d *Detector) Scan(ctx context.Context) []Tool {
	var tools []Tool
	for _, p := range d.probes {
		if ctx.Err() != nil {
			break
		}
		for _, bin := range p.Binaries {
			path, err := d.lookPath(bin)
			if err != nil {
				continue
			}
			t := Tool{Name: p.Name, Path: path}
			if p.VersionArg != "" {
				t.Version = d.version(ctx, path, p.VersionArg)
			}
			tools = append(tools, t)
			break
		}
	}
	return tools
}

// commandVersion runs path arg and returns the first output line. Some tools
// print their version on stderr.
func commandVersion(ctx context.Context, path, arg string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, arg).CombinedOutput()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = strings.TrimSpace(version[:idx])
	}
	// Limit length
	if len(version) > 60 {
		version = version[:60]
	}
	return version
}
