package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrainsrv/internal/dispatch"
	"terrainsrv/internal/render"
	"terrainsrv/internal/terrain"
)

// writeMap writes a small terrain map with 2000 m tiles around 47N 11E
func writeMap(t *testing.T) string {
	t.Helper()

	w := terrain.NewWriter(terrain.Header{
		MostNorth:           60,
		MostSouth:           40,
		MostWest:            0,
		MostEast:            20,
		LatitudinalStep:     1,
		LongitudinalStep:    1,
		ElevationResolution: 30,
	})
	for lat := 45; lat < 50; lat++ {
		for lon := 8; lon < 15; lon++ {
			w.AddTile(terrain.FlatTile(int8(lat), int16(lon), 2000, 0))
		}
	}

	path := filepath.Join(t.TempDir(), "alps.tmap")
	require.NoError(t, w.WriteFile(path))
	return path
}

func testConfig(t *testing.T) Config {
	config := DefaultConfig()
	config.TerrainMap = writeMap(t)
	config.LogDir = ""
	config.Workers = 2
	config.Render.DefaultWidth = 32
	return config
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "Default configuration", modify: func(c *Config) {}},
		{name: "Missing map", modify: func(c *Config) { c.TerrainMap = "" }, wantErr: true},
		{name: "Negative workers", modify: func(c *Config) { c.Workers = -1 }, wantErr: true},
		{name: "Zero timeout", modify: func(c *Config) { c.RenderTimeout = 0 }, wantErr: true},
		{name: "Unknown format", modify: func(c *Config) { c.Format = "xml" }, wantErr: true},
		{name: "Negative threshold", modify: func(c *Config) { c.Render.Thresholds.WarningAbove = -1 }, wantErr: true},
		{name: "Msgpack output", modify: func(c *Config) { c.Format = FormatMsgpack }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			if tt.wantErr {
				assert.Error(t, config.Validate())
			} else {
				assert.NoError(t, config.Validate())
			}
		})
	}
}

// TestConstants tests the default configuration constants
func TestConstants(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, DefaultTerrainMap, config.TerrainMap)
	assert.Equal(t, time.Second, config.RenderTimeout)
	assert.Equal(t, 30*time.Second, config.StatsInterval)
	assert.Equal(t, FormatJSON, config.Format)
	assert.True(t, config.VerifyNodes)
	assert.Equal(t, DefaultLogDir, config.LogOptions().Dir)
}

func TestConfig_ApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terrainsrv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 6
render_timeout: 250ms
format: msgpack
render:
  thresholds:
    warning_above: 300
  limits:
    max_raster_width: 1024
  grid:
    min_width_per_tile: 8
  profile:
    sample_distance: 0.5
log:
  max_size_mb: 8
  compress: false
`), 0644))

	config := DefaultConfig()
	require.NoError(t, config.ApplyFile(path, func(flag string) bool { return flag == "workers" }))

	// explicit flags win over the file
	assert.Equal(t, DefaultWorkers, config.Workers)
	assert.Equal(t, 250*time.Millisecond, config.RenderTimeout)
	assert.Equal(t, FormatMsgpack, config.Format)
	assert.Equal(t, 300.0, config.Render.Thresholds.WarningAbove)
	assert.Equal(t, render.DefaultThresholds().CautionBelowGearUp, config.Render.Thresholds.CautionBelowGearUp)
	assert.Equal(t, 1024, config.Render.Limits.MaxRasterWidth)
	assert.Equal(t, render.DefaultLimits().MaxProfileSamples, config.Render.Limits.MaxProfileSamples)
	assert.Equal(t, 8.0, config.Render.Grid.MinWidthPerTile)
	assert.Equal(t, 4.0, config.Render.Grid.MinHeightPerTile)
	assert.Equal(t, 0.5, config.Render.Profile.SampleDistance)
	assert.Equal(t, 8, config.Log.MaxSizeMB)
	assert.False(t, config.Log.Compress)
	assert.NoError(t, config.Validate())

	assert.Error(t, config.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml"), nil))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: [1"), 0644))
	assert.Error(t, config.ApplyFile(bad, nil))
}

// TestShowVersion checks the banner names the build and the map format
func TestShowVersion(t *testing.T) {
	var out bytes.Buffer
	ShowVersion(&out)

	assert.Contains(t, out.String(), "terrainsrv "+Version)
	assert.Contains(t, out.String(), "Terrain map format: TMAP v1")
}

// TestNewApplication tests the application constructor
func TestNewApplication(t *testing.T) {
	app := NewApplication(DefaultConfig())
	assert.NotNil(t, app)
	assert.NotNil(t, app.logger)
	assert.Nil(t, app.pool)
}

// TestApplication_LoadFailure checks a bad map stops startup before any worker exists
func TestApplication_LoadFailure(t *testing.T) {
	config := testConfig(t)

	corrupt := filepath.Join(t.TempDir(), "corrupt.tmap")
	require.NoError(t, os.WriteFile(corrupt, []byte("TMAP\x01short"), 0644))

	for _, path := range []string{corrupt, filepath.Join(t.TempDir(), "missing.tmap")} {
		config.TerrainMap = path
		app := NewApplication(config)
		err := app.initializeComponents()
		assert.Error(t, err)
		assert.Nil(t, app.pool)
		assert.Nil(t, app.dispatcher)
	}

	config.TerrainMap = ""
	assert.Error(t, NewApplication(config).Start())
}

// TestApplication_Serve runs render, profile and rejected requests through
// the whole pipeline
func TestApplication_Serve(t *testing.T) {
	app := NewApplication(testConfig(t))
	require.NoError(t, app.initializeComponents())
	app.logger.SetOutput(io.Discard)
	app.run()
	defer app.shutdown()

	input := strings.Join([]string{
		`{"status":{"latitude":47.5,"longitude":11.5,"altitude":1900,"heading":45,"adiruDataValid":true},"efis":{"L":{"range":10,"mode":0,"terrainActive":true},"R":{"range":20,"mode":2,"terrainActive":true}}}`,
		`{"status":{"latitude":47.5,"longitude":11.5,"altitude":1900},"efis":{"L":{"range":-10}}}`,
		`not json`,
		`{"status":{"latitude":47.5,"longitude":11.5,"altitude":1900,"adiruDataValid":true},"efis":{"L":{"range":10,"terrainActive":true,"maxWidth":268435456}}}`,
		`{"path":{"side":"R","waypoints":[{"latitude":47.0,"longitude":11.0},{"latitude":47.1,"longitude":11.0},{"latitude":47.1,"longitude":11.2}],"pathWidth":0}}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, app.Serve(context.Background(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)

	var rendered Output
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rendered))
	require.NotNil(t, rendered.Rendering)
	require.Len(t, rendered.Rendering.Frames, 2)

	left := rendered.Rendering.Frames[0]
	assert.Equal(t, render.SideLeft, left.Side)
	assert.False(t, left.Stale)
	assert.Equal(t, 32, left.Map.Width)
	assert.Equal(t, 16, left.Map.Height)
	assert.Equal(t, int32(2000), left.Terrain.MaxElevation)

	pixels, err := render.DecodeRaster(left.Map.Pixels)
	require.NoError(t, err)
	assert.Len(t, pixels, 32*16)

	for _, line := range lines[1:4] {
		var rejected Output
		require.NoError(t, json.Unmarshal([]byte(line), &rejected))
		assert.Contains(t, rejected.Error, dispatch.ErrInvalidRequest.Error())
	}

	var profiled Output
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &profiled))
	require.NotNil(t, profiled.Profile)
	assert.GreaterOrEqual(t, len(profiled.Profile.Elevations), 2)
	for _, e := range profiled.Profile.Elevations {
		assert.Equal(t, 2000.0, e)
	}
}

// TestApplication_ServeMsgpack checks the binary envelope output
func TestApplication_ServeMsgpack(t *testing.T) {
	config := testConfig(t)
	config.Format = FormatMsgpack
	app := NewApplication(config)
	require.NoError(t, app.initializeComponents())
	app.logger.SetOutput(io.Discard)
	app.run()
	defer app.shutdown()

	input := `{"status":{"latitude":47.5,"longitude":11.5,"altitude":1900,"adiruDataValid":true},"efis":{"L":{"range":10,"mode":1,"terrainActive":true}}}`

	var out bytes.Buffer
	require.NoError(t, app.Serve(context.Background(), strings.NewReader(input), &out))

	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	data, err := dispatch.DecodeEnvelope(b)
	require.NoError(t, err)
	require.Len(t, data.Frames, 1)
	assert.Equal(t, 32, data.Frames[0].Data.Width)
	assert.Equal(t, 32, data.Frames[0].Data.Height)
}
