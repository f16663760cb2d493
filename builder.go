package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	internalaudit "github.com/MrEthical07/authflow/internal/audit"
	"github.com/MrEthical07/authflow/internal/stores"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/storage"
)

// Builder assembles an Authorizer.
//
// Builder instances are configured during initialization and used once.
// Build validates everything up front so a misconfigured adapter, an
// incomplete copy catalog or missing key material fails at startup.
type Builder struct {
	config  Config
	storage storage.Storage

	adapters map[string]Adapter
	order    []string
	success  SuccessFunc
	schemas  SubjectSchemas
	copies   map[string]Copy

	limiter   Limiter
	auditSink AuditSink
	logger    *slog.Logger
	now       func() time.Time

	errs  []error
	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config:   DefaultConfig(),
		adapters: make(map[string]Adapter),
		schemas:  make(SubjectSchemas),
		copies:   make(map[string]Copy),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStorage sets the backend for challenge state and revocation generations.
func (b *Builder) WithStorage(s storage.Storage) *Builder {
	b.storage = s
	return b
}

// WithAdapter registers a under name. Names must be unique URL-safe tokens.
func (b *Builder) WithAdapter(name string, a Adapter) *Builder {
	if _, dup := b.adapters[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("adapter %q registered twice", name))
		return b
	}
	b.adapters[name] = a
	b.order = append(b.order, name)
	return b
}

// WithSuccess sets the callback that maps verified claims to a Subject.
func (b *Builder) WithSuccess(fn SuccessFunc) *Builder {
	b.success = fn
	return b
}

// WithSubject registers a subject type and the rules its properties must pass.
func (b *Builder) WithSubject(subjectType string, schema SubjectSchema) *Builder {
	if schema == nil {
		schema = SubjectSchema{}
	}
	b.schemas[subjectType] = schema
	return b
}

// WithCopy attaches a copy catalog to an adapter. Build checks it covers
// every tag the adapter's flows declare.
func (b *Builder) WithCopy(adapter string, c Copy) *Builder {
	b.copies[adapter] = c
	return b
}

// WithLimiter installs the rate-limit hook.
func (b *Builder) WithLimiter(l Limiter) *Builder {
	b.limiter = l
	return b
}

// WithAuditSink sets the audit destination. Events are only dispatched when
// Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides time.Now for challenge expiry, artifact signing and
// the exchange cookie envelope.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a ready Authorizer.
func (b *Builder) Build() (*Authorizer, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.storage == nil {
		return nil, errors.New("storage backend required")
	}
	if len(b.adapters) == 0 {
		return nil, errors.New("at least one adapter must be registered")
	}
	if b.success == nil {
		return nil, errors.New("success callback required")
	}
	if len(b.schemas) == 0 {
		return nil, errors.New("at least one subject type must be registered")
	}

	// -------- ADAPTERS --------
	for _, name := range b.order {
		if !validName(name) {
			return nil, &AdapterError{Adapter: name, Err: errors.New("adapter name must be a URL-safe token")}
		}
		ad := b.adapters[name]
		if ad == nil {
			return nil, &AdapterError{Adapter: name, Err: errors.New("nil adapter")}
		}
		flows := ad.Flows()
		if len(flows) == 0 {
			return nil, &AdapterError{Adapter: name, Err: errors.New("adapter declares no flows")}
		}
		for flowName, f := range flows {
			if !validName(flowName) {
				return nil, &AdapterError{Adapter: name, Flow: flowName, Err: errors.New("flow name must be a URL-safe token")}
			}
			if f == nil || f.Tags() == nil {
				return nil, &AdapterError{Adapter: name, Flow: flowName, Err: errors.New("flow must declare its tag set")}
			}
		}
	}

	// -------- COPY CATALOGS --------
	copyNames := make([]string, 0, len(b.copies))
	for name := range b.copies {
		copyNames = append(copyNames, name)
	}
	sort.Strings(copyNames)
	copies := make(map[string]Copy, len(b.copies))
	for _, name := range copyNames {
		ad, ok := b.adapters[name]
		if !ok {
			return nil, &AdapterError{Adapter: name, Err: ErrAdapterUnknown}
		}
		tags := NewTagSet()
		for _, f := range ad.Flows() {
			for t := range f.Tags() {
				tags[t] = struct{}{}
			}
		}
		if err := ValidateCopy(tags, b.copies[name]); err != nil {
			return nil, &AdapterError{Adapter: name, Err: err}
		}
		c := make(Copy, len(b.copies[name]))
		for k, v := range b.copies[name] {
			c[k] = v
		}
		copies[name] = c
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	// -------- SIGNING --------
	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(cfg.Signing.Method),
		PrivateKey:    cfg.Signing.PrivateKey,
		PublicKey:     cfg.Signing.PublicKey,
		Issuer:        cfg.Signing.Issuer,
		Audience:      cfg.Signing.Audience,
		Leeway:        cfg.Signing.Leeway,
		KeyID:         cfg.Signing.KeyID,
		VerifyKeys:    cfg.Signing.VerifyKeys,
		Clock:         now,
	})
	if err != nil {
		return nil, err
	}

	cookies, err := NewCookieCodec(cfg.Cookie)
	if err != nil {
		return nil, err
	}
	cookies.now = now

	metrics := NewMetrics(cfg.Metrics)

	var audit *auditor
	if cfg.Audit.Enabled {
		audit = &auditor{
			dispatcher: internalaudit.NewDispatcher(internalaudit.Config{
				Enabled:    true,
				BufferSize: cfg.Audit.BufferSize,
				DropIfFull: cfg.Audit.DropIfFull,
			}, b.auditSink),
			now: now,
		}
	}

	schemas := make(SubjectSchemas, len(b.schemas))
	for k, v := range b.schemas {
		schemas[k] = v
	}

	adapters := make(map[string]Adapter, len(b.adapters))
	for k, v := range b.adapters {
		adapters[k] = v
	}

	b.built = true

	logger.LogAttrs(context.Background(), slog.LevelDebug, "authorizer built",
		slog.Any("adapters", b.order),
		slog.Any("subject_types", schemas.Types()),
		slog.Bool("audit", audit != nil),
	)

	return &Authorizer{
		adapters:   adapters,
		success:    b.success,
		challenges: stores.NewChallengeStore(b.storage, cfg.Challenge.KeyPrefix),
		sessions: &SessionIssuer{
			tokens:    tokens,
			storage:   b.storage,
			schemas:   schemas,
			key:       cfg.Session.ExchangeKey,
			genPrefix: cfg.Session.GenerationPrefix,
			maxAge:    cfg.Session.MaxAge,
			metrics:   metrics,
			audit:     audit,
			logger:    logger,
		},
		cookies: cookies,
		limiter: b.limiter,
		policy: Policy{
			TTL:         cfg.Challenge.TTL,
			MaxAttempts: cfg.Challenge.MaxAttempts,
			CodeLength:  cfg.Challenge.CodeLength,
		},
		copies:  copies,
		logger:  logger,
		metrics: metrics,
		audit:   audit,
		now:     now,
	}, nil
}
