// Package config assembles a full privacykit stack from declarative
// configuration: a storage backend plus the queue, encryption, consent, audit
// and rights components wired together.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/privacykit/privacykit/pkg/privacykit"
	exports3 "github.com/privacykit/privacykit/pkg/privacykit/export/s3"
	"github.com/privacykit/privacykit/pkg/privacykit/storage/memory"
	"github.com/privacykit/privacykit/pkg/privacykit/storage/postgres"
)

// Option applies configuration to a StackConfig instance.
type Option func(*StackConfig) error

// Load constructs a StackConfig by applying the supplied options on top of
// library defaults.
func Load(opts ...Option) (*StackConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() StackConfig {
	return StackConfig{
		BackendType: "memory",
		Queue: privacykit.UpdateQueueConfig{
			Enabled: true,
		},
		Audit: privacykit.AuditConfig{
			Enabled: true,
		},
		EnableEventLogging: true,
	}
}

// StackConfig is the declarative description of one privacykit deployment.
type StackConfig struct {
	// Backend configuration
	BackendType string // "memory", "postgres"
	DatabaseURL string

	// Component configuration
	Queue      privacykit.UpdateQueueConfig
	Encryption privacykit.EncryptionConfig
	Consent    privacykit.ConsentConfig
	Audit      privacykit.AuditConfig
	Rights     privacykit.RightsConfig

	// Archive configuration for export download URLs; nil keeps exports
	// inline.
	Archive *exports3.Config

	EnableEventLogging bool
	Logger             *slog.Logger
}

// Validate validates the stack configuration.
func (c *StackConfig) Validate() error {
	if c.BackendType != "memory" && c.BackendType != "postgres" {
		return errors.New("backend_type must be 'memory' or 'postgres'")
	}
	if c.BackendType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}
	if c.Archive != nil && c.Archive.Bucket == "" {
		return errors.New("archive bucket is required when archiving is configured")
	}
	return nil
}

// BuildBackend creates the StorageBackend described by the configuration.
func (c *StackConfig) BuildBackend(ctx context.Context) (privacykit.StorageBackend, error) {
	switch c.BackendType {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pgcfg, err := pgxpool.ParseConfig(c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pgcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		backend := postgres.NewWithPool(pool)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", c.BackendType)
	}
}

// Stack is a fully wired middleware instance.
type Stack struct {
	Backend    privacykit.StorageBackend
	Queue      *privacykit.UpdateQueue
	Encryption *privacykit.EncryptionService
	Consent    *privacykit.ConsentManager
	Audit      *privacykit.AuditLogger
	Rights     *privacykit.RightsService
}

// Close stops every component's background work, flushing what is pending.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if s.Queue != nil {
		if err := s.Queue.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Consent != nil {
		s.Consent.Close()
	}
	if s.Audit != nil {
		s.Audit.Close(ctx)
	}
	if s.Encryption != nil {
		s.Encryption.Close()
	}
	return errors.Join(errs...)
}

// BuildStack creates every component against the configured backend, wiring
// the cross-component dependencies (queue encryption, consent auditing,
// rights collaborators).
func (c *StackConfig) BuildStack(ctx context.Context) (*Stack, error) {
	backend, err := c.BuildBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend: %w", err)
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sink privacykit.EventSink
	if c.EnableEventLogging {
		sink = privacykit.NewLogEventSink(logger)
	}

	enc, err := privacykit.NewEncryptionService(c.Encryption,
		privacykit.WithEncryptionBackend(backend),
		privacykit.WithEncryptionLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build encryption service: %w", err)
	}
	// no-op unless KeyRotationDays is set; stopped by Stack.Close
	enc.StartRotationCheck()

	auditOpts := []privacykit.AuditOption{privacykit.WithAuditLogger(logger)}
	if sink != nil {
		auditOpts = append(auditOpts, privacykit.WithAuditEvents(sink))
	}
	audit, err := privacykit.NewAuditLogger(backend, c.Audit, auditOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit logger: %w", err)
	}

	consent, err := privacykit.NewConsentManager(backend, c.Consent,
		privacykit.WithConsentAudit(audit),
		privacykit.WithConsentLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build consent manager: %w", err)
	}

	queueOpts := []privacykit.QueueOption{
		privacykit.WithQueueEncryption(enc),
		privacykit.WithQueueLogger(logger),
		privacykit.WithDeadLetterSink(privacykit.NewLogDeadLetterSink(logger)),
	}
	if sink != nil {
		queueOpts = append(queueOpts, privacykit.WithQueueEvents(sink))
	}
	queue, err := privacykit.NewUpdateQueue(backend, c.Queue, queueOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build update queue: %w", err)
	}

	rightsOpts := []privacykit.RightsOption{
		privacykit.WithRightsEncryption(enc),
		privacykit.WithRightsConsent(consent),
		privacykit.WithRightsAudit(audit),
		privacykit.WithRightsLogger(logger),
	}
	if c.Archive != nil {
		archiver, err := exports3.New(*c.Archive)
		if err != nil {
			return nil, fmt.Errorf("failed to build archiver: %w", err)
		}
		rightsOpts = append(rightsOpts, privacykit.WithRightsArchiver(archiver))
	}
	rights, err := privacykit.NewRightsService(backend, c.Rights, rightsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build rights service: %w", err)
	}

	return &Stack{
		Backend:    backend,
		Queue:      queue,
		Encryption: enc,
		Consent:    consent,
		Audit:      audit,
		Rights:     rights,
	}, nil
}

// PingPostgres verifies connectivity to Postgres before building a stack.
func PingPostgres(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	pgcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	pgcfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, pgcfg)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pool.Ping(pingCtx)
}
