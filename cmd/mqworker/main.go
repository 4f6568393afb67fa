package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/umran/mqworker"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "mqworker",
		Usage: "Consume and publish queue messages",
		Flags: globalFlags(),
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil || level == zerolog.NoLevel {
				level = zerolog.InfoLevel
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			listenCommand(),
			publishCommand(),
			createQueueCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "provider",
			Usage:   "Queue provider (aws, sns, gcloud, memory)",
			EnvVars: []string{"MQ_PROVIDER"},
		},
		&cli.StringFlag{
			Name:    "aws-region",
			Usage:   "AWS region",
			EnvVars: []string{"MQ_AWS_REGION", "AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "gcloud-project",
			Usage:   "Google Cloud project",
			EnvVars: []string{"MQ_GCLOUD_PROJECT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}
}

// loadConfig reads the environment, applies the global flag overrides and
// validates the result.
func loadConfig(c *cli.Context) (mqworker.Config, error) {
	config, err := mqworker.ParseConfig()
	if err != nil {
		return config, err
	}

	if c.IsSet("provider") {
		config.Provider = c.String("provider")
	}
	if c.IsSet("aws-region") {
		config.AWSRegion = c.String("aws-region")
	}
	if c.IsSet("gcloud-project") {
		config.GCloudProject = c.String("gcloud-project")
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Consume messages from a queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "queue",
				Usage:    "Queue URL or subscription to consume from",
				Required: true,
				EnvVars:  []string{"MQ_QUEUE"},
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of concurrent listen loops",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "exec",
				Usage: "Command run per message with the body on stdin; exit status 0 acknowledges the message",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address to serve prometheus metrics on, empty to disable",
				EnvVars: []string{"MQ_METRICS_ADDR"},
			},
		},
		Action: runListen,
	}
}

func runListen(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	endpoint, err := mqworker.NewEndpoint(ctx, config)
	if err != nil {
		return err
	}
	if closer, ok := endpoint.(io.Closer); ok {
		defer closer.Close()
	}

	options := config.WorkerOptions()

	dedup, err := mqworker.NewDeduplicator(ctx, config)
	if err != nil {
		return err
	}
	if dedup != nil {
		defer dedup.Close()
		options.Deduplicator = dedup
	}

	g, ctx := errgroup.WithContext(ctx)

	if addr := c.String("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		metrics, err := mqworker.NewMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		options.Metrics = metrics

		server := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	handler := logHandler
	if command := c.String("exec"); command != "" {
		handler = execHandler(command)
	}

	queue := c.String("queue")
	for i := 0; i < c.Int("workers"); i++ {
		workerLogger := log.With().Int("worker_id", i).Logger()
		workerOptions := options
		workerOptions.Logger = &workerLogger

		worker, err := mqworker.NewWorker(endpoint, workerOptions)
		if err != nil {
			return err
		}

		g.Go(func() error {
			return worker.Listen(ctx, queue, handler, nil)
		})
	}

	log.Info().Str("queue", queue).Int("workers", c.Int("workers")).Msg("Starting workers")

	return g.Wait()
}

func logHandler(ctx context.Context, msg *mqworker.Message) bool {
	log.Info().
		Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Interface("attributes", msg.Attributes).
		Str("body", msg.Body).
		Msg("Message received")
	return true
}

func execHandler(command string) mqworker.Handler {
	return func(ctx context.Context, msg *mqworker.Message) bool {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Stdin = strings.NewReader(msg.Body)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "MQ_MESSAGE_ID="+msg.ID)

		if err := cmd.Run(); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("Command failed")
			return false
		}
		return true
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish a message, reading the body from the argument or stdin",
		ArgsUsage: "[body]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "destination",
				Usage:    "Queue URL, topic ARN or topic to publish to",
				Required: true,
				EnvVars:  []string{"MQ_DESTINATION"},
			},
			&cli.StringSliceFlag{
				Name:  "attribute",
				Usage: "Message attribute as key=value, may be repeated",
			},
			&cli.IntFlag{
				Name:  "delay",
				Usage: "Delivery delay in seconds",
			},
			&cli.StringFlag{
				Name:  "group-id",
				Usage: "Message group id for FIFO queues",
			},
		},
		Action: runPublish,
	}
}

func runPublish(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	body := c.Args().First()
	if body == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = string(data)
	}

	attributes := make(map[string]string)
	for _, pair := range c.StringSlice("attribute") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		attributes[key] = value
	}

	endpoint, err := mqworker.NewEndpoint(ctx, config)
	if err != nil {
		return err
	}
	if closer, ok := endpoint.(io.Closer); ok {
		defer closer.Close()
	}

	publisher, err := mqworker.NewPublisher(endpoint, config.PublisherOptions())
	if err != nil {
		return err
	}

	result, err := publisher.Publish(ctx, c.String("destination"), body,
		mqworker.WithAttributes(attributes),
		mqworker.WithDelay(c.Int("delay")),
		mqworker.WithGroupID(c.String("group-id")),
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("message_id", result.MessageID).
		Str("sequence_number", result.SequenceNumber).
		Msg("Message published")
	return nil
}

func createQueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-queue",
		Usage:     "Create a queue or subscription, optionally subscribed to a topic",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "topic", Usage: "Topic to create and subscribe to"},
			&cli.IntFlag{Name: "ack-deadline", Usage: "Visibility timeout / ack deadline in seconds", Value: 30},
			&cli.IntFlag{Name: "retention", Usage: "Retention in seconds", Value: 604800},
			&cli.StringFlag{Name: "dead-letter", Usage: "Dead letter queue ARN or topic"},
			&cli.IntFlag{Name: "max-receive-count", Usage: "Deliveries before dead lettering"},
			&cli.BoolFlag{Name: "fifo", Usage: "Create a FIFO queue (SQS)"},
		},
		Action: runCreateQueue,
	}
}

func runCreateQueue(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("queue name is required")
	}

	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	options := &mqworker.SubscriptionOptions{
		TopicID:           c.String("topic"),
		AckDeadline:       c.Int("ack-deadline"),
		RetentionDuration: c.Int("retention"),
		FIFO:              c.Bool("fifo"),
		DeadLetterTarget:  c.String("dead-letter"),
		MaxReceiveCount:   c.Int("max-receive-count"),
	}

	switch config.Provider {
	case mqworker.ProviderAWS:
		admin, err := mqworker.NewSQSAdminFromConfig(config)
		if err != nil {
			return err
		}
		if options.TopicID != "" {
			if _, err := admin.CreateTopic(options.TopicID); err != nil {
				return err
			}
		}
		queueURL, err := admin.CreateSubscription(name, options)
		if err != nil {
			return err
		}
		log.Info().Str("queue_url", queueURL).Msg("Queue created")
	case mqworker.ProviderGCloud:
		if options.TopicID == "" {
			return errors.New("--topic is required for gcloud subscriptions")
		}
		admin, err := mqworker.NewPubSubAdmin(ctx, config.GCloudProject)
		if err != nil {
			return err
		}
		defer admin.Close()
		if err := admin.CreateTopic(ctx, options.TopicID); err != nil {
			return err
		}
		if err := admin.CreateSubscription(ctx, name, options); err != nil {
			return err
		}
		log.Info().Str("subscription", name).Msg("Subscription created")
	default:
		return fmt.Errorf("create-queue is not supported for provider %q", config.Provider)
	}

	return nil
}
