package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"terrainsrv/internal/quadtree"
	"terrainsrv/internal/render"
	"terrainsrv/internal/terrain"
)

// MaxSynthDepth bounds the sample grid of a synthetic tile to 1024x1024
const MaxSynthDepth = 10

// synthOptions describes a generated terrain map
type synthOptions struct {
	out        string
	north      int
	south      int
	west       int
	east       int
	step       int
	resolution int
	depth      int
	pattern    string
	base       float64
	height     float64
}

func newSynthCmd() *cobra.Command {
	opts := synthOptions{}

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate a synthetic terrain map",
		Long: `Generate a synthetic terrain map for demos and tests.

Patterns:
  flat   constant elevation
  ridge  parallel ridges running east-west
  cone   a single peak in the middle of the bounds`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			header, tiles, err := synthesize(cmd.Context(), opts)
			if err != nil {
				return err
			}

			w := terrain.NewWriter(header)
			for _, t := range tiles {
				w.AddTile(t)
			}
			if err := w.WriteFile(opts.out); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tiles to %s\n", len(tiles), opts.out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.out, "out", "o", "terrain.tmap", "Output file (.zst suffix compresses)")
	cmd.Flags().IntVar(&opts.north, "north", 50, "Northern bound (degrees)")
	cmd.Flags().IntVar(&opts.south, "south", 44, "Southern bound (degrees)")
	cmd.Flags().IntVar(&opts.west, "west", 5, "Western bound (degrees)")
	cmd.Flags().IntVar(&opts.east, "east", 17, "Eastern bound (degrees)")
	cmd.Flags().IntVar(&opts.step, "step", 1, "Tile size (degrees)")
	cmd.Flags().IntVar(&opts.resolution, "resolution", 10, "Elevation resolution (meters per bin)")
	cmd.Flags().IntVar(&opts.depth, "depth", 5, fmt.Sprintf("Quadtree depth per tile (0-%d)", MaxSynthDepth))
	cmd.Flags().StringVar(&opts.pattern, "pattern", "cone", "Terrain pattern (flat, ridge, cone)")
	cmd.Flags().Float64Var(&opts.base, "base", 200, "Base elevation (meters)")
	cmd.Flags().Float64Var(&opts.height, "height", 3000, "Relief height (meters)")
	return cmd
}

// synthesize builds the tiles of a synthetic map in parallel
func synthesize(ctx context.Context, opts synthOptions) (terrain.Header, []terrain.TileData, error) {
	if opts.step < 1 || opts.step > math.MaxUint8 {
		return terrain.Header{}, nil, fmt.Errorf("step %d out of range", opts.step)
	}
	if opts.resolution < 1 || opts.resolution > math.MaxUint16 {
		return terrain.Header{}, nil, fmt.Errorf("resolution %d out of range", opts.resolution)
	}
	if opts.depth < 0 || opts.depth > MaxSynthDepth {
		return terrain.Header{}, nil, fmt.Errorf("depth %d out of range [0, %d]", opts.depth, MaxSynthDepth)
	}
	if opts.north <= opts.south || opts.east <= opts.west ||
		opts.north > 90 || opts.south < -90 || opts.west < -180 || opts.east > 180 {
		return terrain.Header{}, nil, fmt.Errorf("invalid bounds N%d S%d W%d E%d", opts.north, opts.south, opts.west, opts.east)
	}
	if (opts.north-opts.south)%opts.step != 0 || (opts.east-opts.west)%opts.step != 0 {
		return terrain.Header{}, nil, fmt.Errorf("bounds are not a multiple of step %d", opts.step)
	}

	sample, err := samplePattern(opts)
	if err != nil {
		return terrain.Header{}, nil, err
	}

	header := terrain.Header{
		MostNorth:           int16(opts.north),
		MostSouth:           int16(opts.south),
		MostWest:            int16(opts.west),
		MostEast:            int16(opts.east),
		LatitudinalStep:     uint8(opts.step),
		LongitudinalStep:    uint8(opts.step),
		ElevationResolution: uint16(opts.resolution),
	}

	type corner struct{ lat, lon int }
	var corners []corner
	for lat := opts.south; lat < opts.north; lat += opts.step {
		for lon := opts.west; lon < opts.east; lon += opts.step {
			corners = append(corners, corner{lat, lon})
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	tiles := make([]terrain.TileData, len(corners))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, c := range corners {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tiles[i] = terrain.BuildTile(header, int8(c.lat), int16(c.lon), opts.depth, sample)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return terrain.Header{}, nil, fmt.Errorf("failed to build tiles: %w", err)
	}

	return header, tiles, nil
}

// samplePattern returns the elevation function of a synthetic pattern
func samplePattern(opts synthOptions) (terrain.SampleFunc, error) {
	switch opts.pattern {
	case "flat":
		return func(lat, lon float64) float64 {
			return opts.base
		}, nil
	case "ridge":
		return func(lat, lon float64) float64 {
			return opts.base + opts.height*math.Pow(math.Sin(lat*math.Pi), 2)
		}, nil
	case "cone":
		center := orb.Point{float64(opts.west+opts.east) / 2, float64(opts.south+opts.north) / 2}
		radius := geo.Distance(center, orb.Point{center.Lon(), float64(opts.north)})
		return func(lat, lon float64) float64 {
			d := geo.Distance(center, orb.Point{lon, lat})
			return opts.base + opts.height*math.Max(0, 1-d/radius)
		}, nil
	default:
		return nil, fmt.Errorf("unknown pattern %q", opts.pattern)
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <map>",
		Short: "Print a terrain map's header and statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := terrain.Load(args[0], terrain.DefaultOptions())
			if err != nil {
				return err
			}
			defer db.Close()

			s := db.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file:        %s (%d bytes)\n", args[0], db.Size())
			fmt.Fprintf(out, "bounds:      N%d S%d W%d E%d\n", db.MostNorth, db.MostSouth, db.MostWest, db.MostEast)
			fmt.Fprintf(out, "grid:        %dx%d cells of %dx%d degrees\n", db.Rows(), db.Columns(), db.LatitudinalStep, db.LongitudinalStep)
			fmt.Fprintf(out, "resolution:  %d m\n", db.ElevationResolution)
			fmt.Fprintf(out, "tiles:       %d (%d with big nodes)\n", s.Tiles, s.BigNodeTiles)
			fmt.Fprintf(out, "nodes:       %d (%d bytes, max %d per tile)\n", s.Nodes, s.NodeBytes, s.MaxNodeCount)
			fmt.Fprintf(out, "lowest tile: %d m\n", s.MinElevation)
			return nil
		},
	}
}

func newElevationCmd() *cobra.Command {
	var mapPath string

	cmd := &cobra.Command{
		Use:   "elevation <lat> <lon>",
		Short: "Look up the elevation at a position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid latitude: %w", err)
			}
			lon, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid longitude: %w", err)
			}

			db, err := terrain.Load(mapPath, terrain.DefaultOptions())
			if err != nil {
				return err
			}
			defer db.Close()

			index, err := quadtree.NewIndex(db, 1)
			if err != nil {
				return err
			}

			elevation, err := index.ElevationAtPosition(lat, lon)
			if errors.Is(err, terrain.ErrNoData) {
				fmt.Fprintln(cmd.OutOrStdout(), "no data")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.0f\n", elevation)
			return nil
		},
	}

	cmd.Flags().StringVarP(&mapPath, "map", "m", "terrain.tmap", "Terrain map file")
	return cmd
}

func newProfileCmd() *cobra.Command {
	var (
		mapPath  string
		width    float64
		interval float64
	)

	cmd := &cobra.Command{
		Use:   "profile <lat,lon> <lat,lon> [lat,lon...]",
		Short: "Sample the terrain profile along a path",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := render.VerticalPathData{PathWidth: width}
			for _, arg := range args {
				wp, err := parseWaypoint(arg)
				if err != nil {
					return err
				}
				path.Waypoints = append(path.Waypoints, wp)
			}

			db, err := terrain.Load(mapPath, terrain.DefaultOptions())
			if err != nil {
				return err
			}
			defer db.Close()

			cfg := render.DefaultConfig()
			cfg.Profile.SampleDistance = interval
			r, err := render.NewRenderer(db, cfg)
			if err != nil {
				return err
			}

			profile, err := r.RenderProfile(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i := range profile.Distances {
				fmt.Fprintf(out, "%8.2f NM %6.0f m\n", profile.Distances[i], profile.Elevations[i])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mapPath, "map", "m", "terrain.tmap", "Terrain map file")
	cmd.Flags().Float64Var(&width, "width", 0, "Corridor width (NM)")
	cmd.Flags().Float64Var(&interval, "interval", 0.5, "Sample interval (NM)")
	return cmd
}

// parseWaypoint parses "lat,lon"
func parseWaypoint(s string) (render.Waypoint, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return render.Waypoint{}, fmt.Errorf("waypoint %q is not lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return render.Waypoint{}, fmt.Errorf("invalid latitude in %q: %w", s, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return render.Waypoint{}, fmt.Errorf("invalid longitude in %q: %w", s, err)
	}
	return render.Waypoint{Latitude: lat, Longitude: lon}, nil
}
