package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/adapter/code"
	"github.com/MrEthical07/authflow/adapter/link"
	"github.com/MrEthical07/authflow/adapter/password"
	"github.com/MrEthical07/authflow/metrics/export/prometheus"
	"github.com/MrEthical07/authflow/middleware"
	"github.com/MrEthical07/authflow/ratelimit"
	"github.com/MrEthical07/authflow/storage"
	"github.com/MrEthical07/authflow/storage/dynamo"
	"github.com/MrEthical07/authflow/storage/memory"
	"github.com/MrEthical07/authflow/storage/postgres"
	redisstore "github.com/MrEthical07/authflow/storage/redis"
	httptransport "github.com/MrEthical07/authflow/transport/http"
	"github.com/MrEthical07/authflow/ui"
)

const deliveryTopic = "authflow.delivery"

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s, logger)
		},
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	_ = opts.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

// runtime holds everything serve opens and must close.
type runtime struct {
	storage   storage.Storage
	redis     goredis.UniversalClient
	publisher message.Publisher
	closers   []func() error
}

func (r *runtime) close(logger *slog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn("shutdown close failed", "error", err)
		}
	}
}

func (r *runtime) redisClient(s *settings) (goredis.UniversalClient, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	opts, err := goredis.ParseURL(s.Storage.Redis)
	if err != nil {
		return nil, fmt.Errorf("parse storage.redis_url: %w", err)
	}
	client := goredis.NewClient(opts)
	r.redis = client
	r.closers = append(r.closers, client.Close)
	return client, nil
}

func (r *runtime) openStorage(ctx context.Context, s *settings) error {
	switch strings.ToLower(s.Storage.Backend) {
	case "memory":
		var mopts []memory.Option
		if s.Storage.Persist != "" {
			mopts = append(mopts, memory.WithPersist(s.Storage.Persist))
		}
		st, err := memory.New(mopts...)
		if err != nil {
			return err
		}
		r.storage = st
	case "redis":
		client, err := r.redisClient(s)
		if err != nil {
			return err
		}
		r.storage = redisstore.New(client, "af")
	case "postgres":
		st, err := postgres.Open(ctx, s.Storage.Postgres)
		if err != nil {
			return err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return err
		}
		r.closers = append(r.closers, st.Close)
		r.storage = st
	case "dynamo":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		st, err := dynamo.New(dynamodb.NewFromConfig(awsCfg), s.Storage.Dynamo)
		if err != nil {
			return err
		}
		r.storage = st
	default:
		return fmt.Errorf("unknown storage backend %q", s.Storage.Backend)
	}
	return nil
}

// streamPublisher returns a Redis Streams publisher shared by audit and
// delivery.
func (r *runtime) streamPublisher(s *settings, logger *slog.Logger) (message.Publisher, error) {
	if r.publisher != nil {
		return r.publisher, nil
	}
	client, err := r.redisClient(s)
	if err != nil {
		return nil, err
	}
	pub, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: client},
		watermill.NewSlogLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create redis stream publisher: %w", err)
	}
	r.publisher = pub
	r.closers = append(r.closers, pub.Close)
	return pub, nil
}

func serve(ctx context.Context, s *settings, logger *slog.Logger) error {
	cfg, err := s.authflowConfig()
	if err != nil {
		return err
	}

	rt := &runtime{}
	defer rt.close(logger)

	if err := rt.openStorage(ctx, s); err != nil {
		return err
	}

	b := authflow.New().
		WithConfig(cfg).
		WithStorage(rt.storage).
		WithLogger(logger).
		WithSubject("user", authflow.SubjectSchema{"email": {validation.Required, is.Email}}).
		WithSuccess(func(ctx context.Context, claims authflow.Claims, _ authflow.SuccessOptions) (authflow.Subject, error) {
			return authflow.Subject{
				Type:       "user",
				ID:         claims.Email,
				Properties: map[string]any{"email": claims.Email},
			}, nil
		})

	if s.Audit.Enabled {
		switch s.Audit.Sink {
		case "stream":
			pub, err := rt.streamPublisher(s, logger)
			if err != nil {
				return err
			}
			b.WithAuditSink(authflow.NewWatermillSink(pub, s.Audit.Topic, logger))
		default:
			b.WithAuditSink(authflow.NewJSONWriterSink(os.Stdout))
		}
	}

	if s.RateLimit.Max > 0 {
		client, err := rt.redisClient(s)
		if err != nil {
			return err
		}
		limiter, err := ratelimit.New(client, ratelimit.Config{Max: s.RateLimit.Max, Window: s.RateLimit.Window})
		if err != nil {
			return err
		}
		b.WithLimiter(limiter)
	}

	deliver, err := newDelivery(rt, s, logger)
	if err != nil {
		return err
	}

	pw, err := password.New(password.Config{
		Credentials:       password.NewStorageCredentials(rt.storage),
		SendCode:          deliver.code,
		MinPasswordLength: s.Password.MinLength,
		RequireName:       s.Password.RequireName,
		PhoneRegion:       s.Password.PhoneRegion,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	codeAdapter, err := code.New(code.Config{SendCode: deliver.code})
	if err != nil {
		return err
	}
	linkAdapter, err := link.New(link.Config{
		CallbackURL: strings.TrimRight(s.BaseURL, "/") + "/auth/link/authorize/callback",
		OnLink:      deliver.link,
	})
	if err != nil {
		return err
	}

	a, err := b.
		WithAdapter("password", pw).
		WithCopy("password", ui.DefaultPasswordCopy()).
		WithAdapter("code", codeAdapter).
		WithCopy("code", ui.DefaultCodeCopy()).
		WithAdapter("link", linkAdapter).
		WithCopy("link", ui.DefaultLinkCopy()).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		return err
	}
	defer a.Close()

	metricsHandler, err := prometheus.NewCollector(a).Handler()
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Handle("/metrics", metricsHandler)
	r.Route("/auth", httptransport.New(a, logger).Register)
	r.With(middleware.Guard(a)).Get("/me", func(w http.ResponseWriter, r *http.Request) {
		sub, _ := middleware.SubjectFromContext(r.Context())
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s:%s\n", sub.Type, sub.ID)
	})

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authflow listening", "addr", s.Listen, "storage", s.Storage.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
