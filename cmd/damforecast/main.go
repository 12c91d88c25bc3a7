package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/damforecast/internal/api"
	"github.com/lox/damforecast/internal/config"
	"github.com/lox/damforecast/internal/forecast"
	"github.com/lox/damforecast/internal/models"
	"github.com/lox/damforecast/internal/store"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `name:"env-file" optional:"" help:"Load environment variables from a .env file."`
	DB      string                   `help:"SQLite database path (overrides DAMFORECAST_DB)."`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API."`
	Upload   UploadCmd   `cmd:"" help:"Store a raw observation table for a dam."`
	Features FeaturesCmd `cmd:"" help:"Derive the feature table from a dam's latest upload."`
	Train    TrainCmd    `cmd:"" help:"Train a new model version for a dam."`
	Predict  PredictCmd  `cmd:"" help:"Forecast water level from a raw observation table."`
	Models   ModelsCmd   `cmd:"" help:"Manage trained models."`
}

// app carries what every command needs once configuration is loaded.
type app struct {
	ctx     context.Context
	cfg     *config.Config
	logger  *slog.Logger
	service *forecast.Service
}

type ServeCmd struct {
	Addr string `help:"Listen address (overrides HTTP_ADDR)."`
}

func (c *ServeCmd) Run(a *app) error {
	addr := a.cfg.HTTPAddr
	if c.Addr != "" {
		addr = c.Addr
	}
	return api.NewServer(a.service, addr, a.cfg.ShutdownTimeout, a.logger).Run(a.ctx)
}

type UploadCmd struct {
	Dam  string `arg:"" help:"Dam name."`
	File string `arg:"" type:"existingfile" help:"CSV or XLSX table."`
}

func (c *UploadCmd) Run(a *app) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	result, err := a.service.Upload(a.ctx, c.Dam, filepath.Base(c.File), data)
	if err != nil {
		return err
	}
	fmt.Printf("upload %d for %s: %d rows accepted, %d dropped, %d flagged\n",
		result.UploadID, c.Dam, result.RowsAccepted, result.RowsDropped, len(result.Flagged))
	return nil
}

type FeaturesCmd struct {
	Dam string `arg:"" help:"Dam name."`
}

func (c *FeaturesCmd) Run(a *app) error {
	result, err := a.service.DeriveFeatures(a.ctx, c.Dam)
	if err != nil {
		return err
	}
	fmt.Printf("%d feature rows for %s: %s\n", result.Rows, c.Dam, strings.Join(result.Columns, ", "))
	return nil
}

type TrainCmd struct {
	Dam string `arg:"" help:"Dam name."`
}

func (c *TrainCmd) Run(a *app) error {
	result, err := a.service.Train(a.ctx, c.Dam)
	if err != nil {
		return err
	}
	m := result.Metadata
	fmt.Printf("%s version %d: %d epochs, best %s %.5f at epoch %d (%s)\n",
		c.Dam, result.Version, m.EpochsRun, m.Monitor, m.BestLoss, m.BestEpoch+1, result.Duration.Round(time.Millisecond))
	return nil
}

type PredictCmd struct {
	Dam  string `arg:"" help:"Dam name."`
	File string `arg:"" optional:"" type:"existingfile" help:"CSV or XLSX table; defaults to the dam's latest upload."`
}

func (c *PredictCmd) Run(a *app) error {
	var (
		result *models.ForecastResult
		err    error
	)
	if c.File == "" {
		result, err = a.service.PredictLatest(a.ctx, c.Dam)
	} else {
		var data []byte
		if data, err = os.ReadFile(c.File); err != nil {
			return err
		}
		result, err = a.service.Predict(a.ctx, c.Dam, filepath.Base(c.File), data)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(api.ForecastResponse{DamName: c.Dam, Forecast: result.ByDate()})
}

type ModelsCmd struct {
	List   ModelsListCmd   `cmd:"" default:"1" help:"List current models."`
	Delete ModelsDeleteCmd `cmd:"" help:"Delete every version of a dam's model."`
}

type ModelsListCmd struct{}

func (c *ModelsListCmd) Run(a *app) error {
	list, err := a.service.ListModels(a.ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DAM\tVERSION\tVERSIONS\tBEST LOSS\tCREATED")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.5f\t%s\n", m.Dam, m.Version, m.Versions, m.BestLoss, m.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

type ModelsDeleteCmd struct {
	Dam string `arg:"" help:"Dam name."`
}

func (c *ModelsDeleteCmd) Run(a *app) error {
	if err := a.service.DeleteModel(a.ctx, c.Dam); err != nil {
		return err
	}
	fmt.Printf("deleted model for %s\n", c.Dam)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("damforecast"),
		kong.Description("Reservoir water-level forecasting."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	kctx.FatalIfErrorf(err)
	if cli.DB != "" {
		cfg.DBPath = cli.DB
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	db, err := openStore(cfg.DBPath)
	kctx.FatalIfErrorf(err)
	defer db.Close()

	st := store.New(db, nil, logger)
	st.KeepVersions = cfg.KeepVersions
	kctx.FatalIfErrorf(st.Migrate())

	svc, err := forecast.NewService(cfg, st, nil, logger)
	kctx.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = kctx.Run(&app{ctx: ctx, cfg: cfg, logger: logger, service: svc})
	if err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		cancel()
		db.Close()
		os.Exit(1)
	}
}

func openStore(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return store.Open(path)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", format)
	}
}
