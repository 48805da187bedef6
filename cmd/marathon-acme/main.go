// Command marathon-acme automates ACME certificate issuance and renewal
// for Marathon applications fronted by marathon-lb: it discovers
// per-port domain labels, obtains and renews certificates from an
// ACME-compliant CA, persists them to a directory shared with
// marathon-lb, and signals marathon-lb to reload.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	marathonacme "github.com/brankas/marathon-acme"
	"github.com/brankas/marathon-acme/kind"
)

var (
	flagACME     = pflag.String("acme", "", "ACME directory URL (default Let's Encrypt production)")
	flagEmail    = pflag.String("email", "", "registration contact email")
	flagMarathon = pflag.StringSlice("marathon", nil, "comma-separated list of Marathon base URLs")
	flagLB       = pflag.StringSlice("lb", nil, "comma-separated list of marathon-lb base URLs")
	flagGroup    = pflag.String("group", "external", "HAPROXY_GROUP to issue certificates for")
	flagMulti    = pflag.Bool("allow-multiple-certs", false, "issue one certificate per domain listed in a MARATHON_ACME_n_DOMAIN label")
	flagListen   = pflag.String("listen", ":8000", "challenge/health HTTP listen address")
	flagLogLevel = pflag.String("log-level", "info", "log level: debug, info, warn, error, critical")
)

func main() {
	pflag.Parse()

	log, err := newLogger(*flagLogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log); err != nil {
		var ke *kind.Error
		if errors.As(err, &ke) && ke.Kind == kind.StoreIO {
			log.Errorw("unrecoverable storage error at startup", "error", err)
			os.Exit(2)
		}
		log.Errorw("fatal error", "error", err)
		os.Exit(1)
	}
}

// run validates the CLI surface, wires a Supervisor, and blocks until
// ctx is cancelled or the Supervisor returns. Grounded on
// cmd/autogcdns/main.go's run(ctx) error shape, generalized from a
// single DNS-01 domain run to the full flag surface of spec.md §6.
func run(ctx context.Context, log *zap.SugaredLogger) error {
	if pflag.NArg() != 1 {
		return kind.New(kind.ConfigInvalid, "", errors.New("must specify exactly one positional argument, storage-dir"))
	}
	storageDir := pflag.Arg(0)

	cfg := marathonacme.Config{
		StorageDir:    storageDir,
		ACMEURL:       *flagACME,
		Email:         *flagEmail,
		Marathon:      *flagMarathon,
		LoadBalancers: *flagLB,
		Group:         *flagGroup,
		AllowMultiple: *flagMulti,
		Listen:        *flagListen,
	}

	if len(cfg.Marathon) == 0 {
		return kind.New(kind.ConfigInvalid, "", errors.New("must specify at least one --marathon URL"))
	}
	if len(cfg.LoadBalancers) == 0 {
		return kind.New(kind.ConfigInvalid, "", errors.New("must specify at least one --lb URL"))
	}

	sup, err := marathonacme.New(cfg, log)
	if err != nil {
		return err
	}

	return sup.Run(ctx)
}

// newLogger builds a zap logger at the requested level, mapping the
// spec's five-level taxonomy (debug, info, warn, error, critical) onto
// zapcore's four levels with "critical" folded into DPanic, matching
// zap's own naming for "log and also signal something is badly wrong".
func newLogger(level string) (*zap.SugaredLogger, error) {
	var zl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zl = zapcore.DebugLevel
	case "info", "":
		zl = zapcore.InfoLevel
	case "warn":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	case "critical":
		zl = zapcore.DPanicLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("could not build logger: %w", err)
	}
	return logger.Sugar(), nil
}
