package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"river/internal/broker"
	"river/internal/bulk"
	"river/internal/config"
	"river/internal/logger"
	"river/pkg/cel"
	"river/pkg/logging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "river",
		Short: "Broker to document store river",
		Long:  "River consumes bulk change messages from a broker topic or queue and applies them to a document store",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(publishCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, earlyLog *logging.EarlyLog) (logger.Logger, error) {
	log, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, err
	}
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetRiverName(cfg.River.Name)
	}
	return log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the river until interrupted or failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg, earlyLog)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ctx = logging.WithRiverName(ctx, cfg.River.Name)
			log.InfowCtx(ctx, "Starting river service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			if cfg.River.Filter != "" {
				evaluator, err := cel.NewEvaluator()
				if err != nil {
					return err
				}
				if err := evaluator.ValidateFilterExpression(cfg.River.Filter); err != nil {
					earlyLog.Error("Invalid river.filter: %v", err)
					return err
				}
			}

			earlyLog.Info("Configuration is valid: river=%s broker=%s source=%s store=%s",
				cfg.River.Name, cfg.Broker.Type, broker.SourceFromConfig(cfg.Broker), cfg.Store.Type)
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var (
		file   string
		check  bool
		target string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a bulk payload to the configured source",
		Long:  "Reads a bulk payload from --file (or stdin) and publishes it as one message to the river source, or to --target when given",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg, earlyLog)
			if err != nil {
				return err
			}
			defer log.Sync()

			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			if check {
				parser := bulk.NewParser(bulk.Defaults{Index: cfg.River.DefaultIndex, Type: cfg.River.DefaultType})
				batch, err := parser.Parse(payload)
				if err != nil {
					return err
				}
				earlyLog.Info("Payload contains %d operations", batch.Len())
			}

			dst := broker.SourceFromConfig(cfg.Broker)
			if target != "" {
				dst.Name = target
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return publish(ctx, cfg.Broker, log, dst, payload)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the bulk payload (defaults to stdin)")
	cmd.Flags().BoolVar(&check, "check", true, "Parse the payload before publishing")
	cmd.Flags().StringVar(&target, "target", "", "Source name to publish to instead of broker.source_name")
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

func publish(ctx context.Context, cfg config.BrokerConfig, log logger.Logger, dst broker.Source, payload []byte) error {
	dialer, err := broker.NewDialer(cfg, log)
	if err != nil {
		return err
	}

	conn, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Publish(ctx, dst, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", dst, err)
	}
	log.InfowCtx(ctx, "Payload published", "target", dst.String(), "bytes", len(payload))
	return nil
}
