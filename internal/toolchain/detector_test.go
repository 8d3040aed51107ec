package toolchain

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDetector(found map[string]string, probes ...Probe) (*Detector, *[]string) {
	var queried []string
	d := NewDetector(probes...)
	d.lookPath = func(bin string) (string, error) {
		if p, ok := found[bin]; ok {
			return p, nil
		}
		return "", errors.New("not found")
	}
	d.version = func(_ context.Context, path, arg string) string {
		queried = append(queried, path+" "+arg)
		return "v1"
	}
	return d, &queried
}

func TestScanUsesFirstAvailableBinary(t *testing.T) {
	d, queried := fakeDetector(map[string]string{
		"python": "/usr/bin/python",
		"git":    "/usr/bin/git",
	}, Probe{Name: "python", Binaries: []string{"python3", "python"}, VersionArg: "--version"},
		Probe{Name: "git", Binaries: []string{"git"}},
		Probe{Name: "cargo", Binaries: []string{"cargo"}, VersionArg: "--version"})

	tools := d.Scan(context.Background())
	assert.Equal(t, []Tool{
		{Name: "python", Path: "/usr/bin/python", Version: "v1"},
		{Name: "git", Path: "/usr/bin/git"},
	}, tools)
	assert.Equal(t, []string{"/usr/bin/python --version"}, *queried)
}

func TestScanStopsWhenCancelled(t *testing.T) {
	d, _ := fakeDetector(map[string]string{"git": "/usr/bin/git"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, d.Scan(ctx))
}

func TestNewDetectorDefaults(t *testing.T) {
	assert.Equal(t, DefaultProbes, NewDetector().probes)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "toolchain: go available at /usr/bin/go (go version go1.24.1)",
		Tool{Name: "go", Path: "/usr/bin/go", Version: "go version go1.24.1"}.Summary())
	assert.Equal(t, "toolchain: make available at /usr/bin/make", Tool{Name: "make", Path: "/usr/bin/make"}.Summary())
}

func TestScanFindsShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	d := NewDetector(Probe{Name: "sh", Binaries: []string{"sh"}})
	tools := d.Scan(context.Background())
	require.Len(t, tools, 1)
	assert.NotEmpty(t, tools[0].Path)

	assert.Equal(t, "", commandVersion(context.Background(), "/definitely/missing/tool", "--version"))
}
