package app

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"terrainsrv/internal/dispatch"
	"terrainsrv/internal/logging"
	"terrainsrv/internal/render"
	"terrainsrv/internal/terrain"
	"terrainsrv/internal/worker"
)

// MaxInputLine bounds one request line on the serve loop
const MaxInputLine = 1 << 20

// Input is one request line: a render update, or a profile request when
// Path is set
type Input struct {
	Status render.AircraftStatus           `json:"status"`
	Efis   map[render.Side]render.EfisData `json:"efis"`
	Path   *PathInput                      `json:"path,omitempty"`
}

// PathInput asks for a vertical display profile for one side
type PathInput struct {
	Side render.Side `json:"side"`
	render.VerticalPathData
}

// Output is one response line in JSON format
type Output struct {
	Rendering *dispatch.RenderingData `json:"rendering,omitempty"`
	Profile   *render.Profile         `json:"profile,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Application represents the main application
type Application struct {
	config     Config
	logger     *logrus.Logger
	logFile    *logging.Logger
	db         *terrain.Database
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
}

// NewApplication creates a new application instance
func NewApplication(config Config) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	logger := logrus.New()
	if config.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Application{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start loads the terrain map, starts the workers and serves requests from
// stdin until it is closed or a shutdown signal arrives
func (app *Application) Start() error {
	if err := app.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.shutdown()
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}).Info("Starting terrain awareness backend")

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	app.run()

	served := make(chan error, 1)
	go func() {
		served <- app.Serve(app.ctx, os.Stdin, os.Stdout)
	}()

	var err error
	select {
	case <-sigChan:
		app.logger.Info("Received shutdown signal")
	case err = <-served:
		app.logger.Info("Input closed")
	case <-app.ctx.Done():
	}

	if shutdownErr := app.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// initializeComponents initializes all application components. The terrain
// map is loaded before any worker exists; a map that fails to load stops
// startup.
func (app *Application) initializeComponents() error {
	var err error

	app.logFile, err = logging.New(app.config.LogOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	app.logger = app.logFile.Logger

	started := time.Now()
	app.db, err = terrain.Load(app.config.TerrainMap, terrain.Options{VerifyNodes: app.config.VerifyNodes})
	if err != nil {
		return fmt.Errorf("failed to load terrain map: %w", err)
	}

	stats := app.db.Stats()
	app.logger.WithFields(logrus.Fields{
		"path":      app.config.TerrainMap,
		"tiles":     stats.Tiles,
		"nodes":     stats.Nodes,
		"size":      app.db.Size(),
		"load_time": time.Since(started),
	}).Info("Terrain map loaded")

	workers := app.config.Workers
	if workers == 0 {
		workers = max(1, runtime.NumCPU()-1)
	}
	opts := worker.DefaultOptions()
	opts.Workers = workers

	app.pool, err = worker.NewPool(worker.RendererFactory(app.db, app.config.Render), opts, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	app.dispatcher = dispatch.New(app.pool, dispatch.Options{
		Timeout:  app.config.RenderTimeout,
		Limits:   app.config.Render.Limits,
		Sampling: app.config.Render.Profile,
	}, app.logger)

	return nil
}

// run starts the pool, the dispatcher and statistics reporting
func (app *Application) run() {
	group, ctx := errgroup.WithContext(app.ctx)
	app.group = group

	group.Go(func() error {
		return app.pool.Run(ctx)
	})
	group.Go(func() error {
		return app.dispatcher.Run(ctx)
	})
	group.Go(func() error {
		app.reportStatistics(ctx)
		return nil
	})

	app.logger.Info("All components started successfully")
}

// Serve handles one JSON request per input line and writes one response
// line per request
func (app *Application) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), MaxInputLine)
	w := bufio.NewWriter(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := app.handleLine(ctx, line)
		if errors.Is(err, dispatch.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			app.logger.WithError(err).Warn("Rejected request")
		}

		if _, err := w.Write(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// handleLine runs one request and encodes its response. The error is
// returned alongside an encoded error response.
func (app *Application) handleLine(ctx context.Context, line []byte) ([]byte, error) {
	var input Input
	if err := json.Unmarshal(line, &input); err != nil {
		return app.encodeError(fmt.Errorf("%w: %v", dispatch.ErrInvalidRequest, err))
	}

	if input.Path != nil {
		profile, err := app.dispatcher.Profile(ctx, input.Path.Side, input.Path.VerticalPathData)
		if err != nil {
			return app.encodeError(err)
		}
		b, err := json.Marshal(Output{Profile: &profile})
		return b, err
	}

	data, err := app.dispatcher.Render(ctx, input.Status, input.Efis)
	if err != nil {
		return app.encodeError(err)
	}

	if app.config.Format == FormatMsgpack {
		b, err := dispatch.EncodeEnvelope(data)
		if err != nil {
			return app.encodeError(err)
		}
		return []byte(base64.StdEncoding.EncodeToString(b)), nil
	}

	b, err := json.Marshal(Output{Rendering: &data})
	return b, err
}

func (app *Application) encodeError(err error) ([]byte, error) {
	b, marshalErr := json.Marshal(Output{Error: err.Error()})
	if marshalErr != nil {
		return nil, marshalErr
	}
	return b, err
}

// reportStatistics reports processing statistics periodically
func (app *Application) reportStatistics(ctx context.Context) {
	ticker := time.NewTicker(app.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds := app.dispatcher.Stats()
			ps := app.pool.Stats()
			app.logger.WithFields(logrus.Fields{
				"posted":     ds.Posted,
				"completed":  ds.Completed,
				"superseded": ds.Superseded,
				"timeouts":   ds.Timeouts,
				"failures":   ds.Failures,
				"replaced":   ps.Replaced,
				"respawned":  ps.Respawned,
				"workers":    ps.Workers,
			}).Info("Render statistics")
		}
	}
}

// shutdown gracefully shuts down the application
func (app *Application) shutdown() error {
	app.logger.Info("Shutting down application")
	app.cancel()

	var err error
	if app.group != nil {
		done := make(chan error, 1)
		go func() {
			done <- app.group.Wait()
		}()

		select {
		case err = <-done:
			app.logger.Info("All goroutines finished")
		case <-time.After(5 * time.Second):
			app.logger.Warn("Shutdown timeout, forcing exit")
		}
	}

	// Cleanup resources
	if app.db != nil {
		if closeErr := app.db.Close(); closeErr != nil {
			app.logger.WithError(closeErr).Warn("Failed to close terrain map")
		}
	}

	app.logger.Info("Shutdown completed")
	if app.logFile != nil {
		app.logFile.Close()
	}
	return err
}
