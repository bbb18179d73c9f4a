package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrainsrv/internal/app"
)

// execute runs the command tree with args and returns its stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// TestRootFlags tests flag defaults of the serve command
func TestRootFlags(t *testing.T) {
	cmd := newRootCmd()

	tests := []struct {
		flag     string
		expected string
	}{
		{flag: "map", expected: app.DefaultTerrainMap},
		{flag: "workers", expected: "0"},
		{flag: "timeout", expected: "1s"},
		{flag: "format", expected: "json"},
		{flag: "verify-nodes", expected: "true"},
		{flag: "log-dir", expected: app.DefaultLogDir},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			f := cmd.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.expected, f.DefValue)
		})
	}

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"synth", "inspect", "elevation", "profile"})
}

// TestSynthAndQuery generates a map and queries it through every subcommand
func TestSynthAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.tmap.zst")

	out, err := execute(t, "synth", "--out", path, "--pattern", "flat", "--base", "1234",
		"--north", "48", "--south", "46", "--west", "10", "--east", "13", "--depth", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 6 tiles")

	out, err = execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "bounds:      N48 S46 W10 E13")
	assert.Contains(t, out, "tiles:       6 (0 with big nodes)")

	out, err = execute(t, "elevation", "--map", path, "47.5", "11.5")
	require.NoError(t, err)
	assert.Equal(t, "1234", strings.TrimSpace(out))

	out, err = execute(t, "elevation", "--map", path, "10", "11.5")
	require.NoError(t, err)
	assert.Equal(t, "no data", strings.TrimSpace(out))

	out, err = execute(t, "profile", "--map", path, "47.0,11.0", "47.0,12.0", "47.5,12.0")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Greater(t, len(lines), 10)
	for _, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 4)
		elevation, err := strconv.ParseFloat(fields[2], 64)
		require.NoError(t, err)
		assert.Equal(t, 1234.0, elevation)
	}
}

func TestSynth_Patterns(t *testing.T) {
	for _, pattern := range []string{"ridge", "cone"} {
		t.Run(pattern, func(t *testing.T) {
			header, tiles, err := synthesize(context.Background(), synthOptions{
				north: 2, south: 0, west: 0, east: 2, step: 1,
				resolution: 10, depth: 3, pattern: pattern, base: 100, height: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int16(2), header.MostNorth)
			require.Len(t, tiles, 4)
			for _, tile := range tiles {
				assert.GreaterOrEqual(t, tile.MinimumElevation, int16(100))
				assert.NotEmpty(t, tile.Nodes)
			}
		})
	}
}

func TestSynth_Errors(t *testing.T) {
	valid := synthOptions{north: 2, south: 0, west: 0, east: 2, step: 1, resolution: 10, depth: 2, pattern: "flat"}

	tests := []struct {
		name   string
		modify func(o *synthOptions)
	}{
		{name: "inverted bounds", modify: func(o *synthOptions) { o.north = -1 }},
		{name: "uneven step", modify: func(o *synthOptions) { o.step = 3 }},
		{name: "zero resolution", modify: func(o *synthOptions) { o.resolution = 0 }},
		{name: "unknown pattern", modify: func(o *synthOptions) { o.pattern = "crater" }},
		{name: "depth too large", modify: func(o *synthOptions) { o.depth = MaxSynthDepth + 1 }},
		{name: "negative depth", modify: func(o *synthOptions) { o.depth = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.modify(&opts)
			_, _, err := synthesize(context.Background(), opts)
			assert.Error(t, err)
		})
	}
}

func TestParseWaypoint(t *testing.T) {
	wp, err := parseWaypoint("47.25, -11.5")
	require.NoError(t, err)
	assert.Equal(t, 47.25, wp.Latitude)
	assert.Equal(t, -11.5, wp.Longitude)

	for _, bad := range []string{"47", "a,1", "1,b", "1,2,3"} {
		_, err := parseWaypoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestInspect_MissingFile(t *testing.T) {
	_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "none.tmap"))
	assert.Error(t, err)
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "Terrain map format: TMAP v1")
}
