package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pggate/PgGate/pggate"
)

func main() {

	// Prepare CLI surface
	app := cli.NewApp()
	app.Name = "pggate"
	app.Usage = "Protocol-aware TLS termination proxy for PostgreSQL"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "config, c",
			Usage:    "Path to the TOML configuration file",
			Required: true,
		},
	}
	app.Action = run

	// Run application. Exit codes: 0 normal shutdown, 1 fatal startup error,
	// 2 runtime fatal. Exit coder errors are handled by the CLI package.
	errRun := app.Run(os.Args)
	if errRun != nil {
		os.Exit(1)
	}
}

// run loads the configuration, initializes logging and drives the route
// supervisor until a termination signal arrives
func run(c *cli.Context) error {

	// Load and validate configuration
	config, errConfig := pggate.LoadConfig(c.String("config"))
	if errConfig != nil {
		return cli.NewExitError(fmt.Sprintf("Invalid configuration: %s.", errConfig), 1)
	}

	// Initialize logger with configured level
	logger, errLogger := newLogger(config.LogLevel)
	if errLogger != nil {
		return cli.NewExitError(fmt.Sprintf("Could not initialize logger: %s.", errLogger), 1)
	}
	defer func() { _ = logger.sugar.Sync() }()

	// Catch potential panics to log issue
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf(fmt.Sprintf("Panic: %s", r))
		}
	}()

	// Log startup
	logger.Infof("PgGate starting.")

	// Prepare supervisor: builds TLS contexts and binds all route listeners
	supervisor, errSupervisor := pggate.NewSupervisor(logger, config)
	if errSupervisor != nil {
		return cli.NewExitError(fmt.Sprintf("Startup failed: %s.", errSupervisor), 1)
	}

	// Treat interrupt and terminate signals as graceful shutdown requests
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Serve until shutdown is requested or a listener fails fatally
	errServe := supervisor.Run(ctx)
	if errServe != nil {
		return cli.NewExitError(fmt.Sprintf("Runtime failure: %s.", errServe), 2)
	}

	// Return nil as everything went fine
	return nil
}

// Logger is a thin wrapper around a zap sugared logger fulfilling the logger
// interface required by the pggate package
type Logger struct {
	sugar *zap.SugaredLogger
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}
func (l *Logger) Warningf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// newLogger builds the process-wide logger with the configured level
func newLogger(level string) (*Logger, error) {

	// Map configured level. Trace maps to zap's debug level, which is the
	// lowest one available.
	zapLevel := zapcore.InfoLevel
	switch level {
	case "trace", "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	}

	// Build production logger
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(zapLevel)
	conf.DisableStacktrace = true
	z, errBuild := conf.Build(zap.WithCaller(false))
	if errBuild != nil {
		return nil, errBuild
	}

	// Return wrapped logger
	return &Logger{sugar: z.Sugar()}, nil
}
