// Package coordinator is the only writer of the per-domain name registry.
//
// Every mutation runs as one critical section under a single process-wide
// lock: begin a ledger transaction, load the domain's document, re-check
// uniqueness, stage ledger changes, write the file, and only then commit. A
// failed file write rolls the ledger back; a failed commit restores the
// previous file. Outside the lock, the file and the ledger always agree.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"
	"nostrid/cmd/internal/names"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the non-error result of a registration-family operation.
type Outcome int

const (
	// OutcomeRegistered means the name was written and the ledger committed.
	OutcomeRegistered Outcome = iota + 1
	// OutcomeTaken is a denial: the name is already held. Nothing was changed.
	OutcomeTaken
	// OutcomeAlreadyConfirmed means the payment was confirmed by an earlier call.
	OutcomeAlreadyConfirmed
	// OutcomePending means a pending ledger record now holds the payment hash.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRegistered:
		return "registered"
	case OutcomeTaken:
		return "taken"
	case OutcomeAlreadyConfirmed:
		return "already_confirmed"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Coordinator serializes registry mutations and keeps the registry files and
// the ledger consistent.
type Coordinator struct {
	mu sync.RWMutex

	reg     *names.Registry
	ledger  ledger.Ledger
	domains identity.DomainSet

	log      *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	onChange []func(domain string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer overrides the tracer (default: the global provider).
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides the time source used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// OnChange registers fn to run after a committed change to a domain's file.
// fn runs while the lock is held and must not call back into the Coordinator.
func OnChange(fn func(domain string)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onChange = append(c.onChange, fn)
		}
	}
}

// New constructs a Coordinator over reg and l for the configured domains.
func New(reg *names.Registry, l ledger.Ledger, domains identity.DomainSet, opts ...Option) (*Coordinator, error) {
	const op = "coordinator.New"

	if reg == nil {
		return nil, identity.Invalid(op, "registry is required")
	}
	if l == nil {
		return nil, identity.Invalid(op, "ledger is required")
	}
	if len(domains.Names()) == 0 {
		return nil, identity.Invalid(op, "at least one domain is required")
	}
	c := &Coordinator{
		reg:     reg,
		ledger:  l,
		domains: domains,
		log:     slog.Default(),
		tracer:  otel.Tracer("nostrid.coordinator"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c, nil
}

// Domains returns the configured domain set.
func (c *Coordinator) Domains() identity.DomainSet { return c.domains }

// CheckAvailable reports whether username is free in domain: absent,
// case-insensitively, from the registry file and from every paid ledger record.
// It may run alongside other checks but never alongside a mutation.
func (c *Coordinator) CheckAvailable(ctx context.Context, username, domain string) (bool, error) {
	const op = "coordinator.CheckAvailable"

	id, err := c.resolveName(op, username, domain)
	if err != nil {
		return false, err
	}
	ctx, span := c.startSpan(ctx, op, id)
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.metrics.observeWait(start)

	available, err := c.checkAvailable(ctx, op, id)
	endSpan(span, err)
	return available, err
}

func (c *Coordinator) checkAvailable(ctx context.Context, op string, id identity.Identifier) (bool, error) {
	doc, _, err := c.reg.Load(id.Domain)
	if err != nil {
		return false, err
	}
	if doc.Has(id.Username) {
		return false, nil
	}

	tx, err := c.ledger.Begin(ctx)
	if err != nil {
		return false, identity.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	done, err := tx.CompletedExists(ctx, id.Key())
	if err != nil {
		return false, identity.Storage(op, err)
	}
	return !done, nil
}

// Register adds username -> pubkey to domain and records an admin-owned paid
// ledger row in the same critical section. The uniqueness re-check happens
// under the same lock acquisition as the write.
func (c *Coordinator) Register(ctx context.Context, username, pubkey, domain string) (Outcome, error) {
	const op = "coordinator.Register"

	t, err := c.resolve(op, username, pubkey, domain)
	if err != nil {
		return 0, err
	}
	return c.run(ctx, op, t.id, func(s *section) (Outcome, error) {
		if taken, err := s.taken(t.id); err != nil || taken {
			return s.deny(t.id, err)
		}
		if _, err := s.dropPending(t.id, ""); err != nil {
			return 0, err
		}
		if _, err := s.tx.InsertRecord(s.ctx, ledger.NewRecord{
			NIP05:            t.id.Key(),
			Npub:             t.npub,
			PubkeyHex:        t.pubkeyHex,
			PaymentCompleted: true,
			AdminOnly:        true,
			InNameFile:       true,
			Now:              c.now(),
		}); err != nil {
			if identity.IsConflict(err) {
				return s.deny(t.id, nil)
			}
			return 0, s.fail("insert_failed", identity.Storage(op, err))
		}

		s.doc.Put(t.id.Username, t.pubkeyHex)
		if err := s.publish(); err != nil {
			return 0, err
		}
		c.log.Info("coordinator.register.ok", "nip05", t.id.String(), "admin", true)
		return OutcomeRegistered, nil
	})
}

// RegisterWithPaymentConfirmation publishes a paid-for name. The ledger row
// holding paymentHash must belong to username@domain. The row is marked paid
// and published in the same transaction as the file write, and the
// transaction commits only after the write succeeded.
func (c *Coordinator) RegisterWithPaymentConfirmation(ctx context.Context, username, pubkey, domain, paymentHash string) (Outcome, error) {
	const op = "coordinator.RegisterWithPaymentConfirmation"

	t, err := c.resolve(op, username, pubkey, domain)
	if err != nil {
		return 0, err
	}
	paymentHash = strings.TrimSpace(paymentHash)
	if paymentHash == "" {
		return 0, identity.Invalid(op, "payment hash is required")
	}

	return c.run(ctx, op, t.id, func(s *section) (Outcome, error) {
		rec, err := s.tx.GetByPaymentHash(s.ctx, paymentHash)
		if err != nil {
			if identity.IsNotFound(err) {
				return 0, s.fail("unknown_payment", identity.NotFoundError{Op: op, Resource: "payment"})
			}
			return 0, s.fail("ledger_read_failed", identity.Storage(op, err))
		}
		if rec.NIP05 != t.id.Key() {
			c.log.Warn("coordinator.confirm.payment_mismatch",
				"claimed", t.id.Key(),
				"owner", rec.NIP05,
				"payment_hash", shortHash(paymentHash),
			)
			return 0, s.fail("payment_mismatch", identity.Invalid(op, "payment hash does not match this registration"))
		}

		if rec.PaymentCompleted {
			if s.doc.Has(t.id.Username) {
				s.rollback("already_confirmed")
				return OutcomeAlreadyConfirmed, nil
			}
			// Paid but missing from the file: fall through and republish.
			c.log.Warn("coordinator.confirm.republish", "nip05", t.id.String())
		} else if taken, err := s.taken(t.id); err != nil || taken {
			return s.deny(t.id, err)
		}

		now := c.now()
		if rec.PubkeyHex != t.pubkeyHex {
			if _, err := s.tx.UpdatePubkey(s.ctx, t.id.Key(), t.npub, t.pubkeyHex, now); err != nil {
				return 0, s.fail("ledger_write_failed", identity.Storage(op, err))
			}
		}
		ok, err := s.tx.MarkPaymentCompleted(s.ctx, paymentHash, now)
		if err != nil {
			return 0, s.fail("ledger_write_failed", identity.Storage(op, err))
		}
		if !ok {
			return 0, s.fail("ledger_write_failed", identity.Storage(op, errors.New("payment row not updated")))
		}

		s.doc.Put(t.id.Username, t.pubkeyHex)
		if err := s.publish(); err != nil {
			return 0, err
		}
		c.log.Info("coordinator.confirm.ok", "nip05", t.id.String(), "payment_hash", shortHash(paymentHash))
		return OutcomeRegistered, nil
	})
}

// LoadForPublicServing returns the domain's document bytes for publication.
// It never takes the lock; atomic renames guarantee a complete document.
func (c *Coordinator) LoadForPublicServing(domain string) ([]byte, error) {
	const op = "coordinator.LoadForPublicServing"

	d, ok := c.domains.Lookup(domain)
	if !ok {
		return nil, identity.NotFoundError{Op: op, Resource: "domain"}
	}
	raw, err := c.reg.ReadRaw(d.Name)
	if err == nil {
		if doc, derr := names.Decode(raw); derr == nil && doc.Validate() == nil {
			return raw, nil
		}
	}
	doc, _, err := c.reg.Load(d.Name)
	if err != nil {
		return nil, err
	}
	return doc.Encode()
}

type target struct {
	id        identity.Identifier
	pubkeyHex string
	npub      string
}

func (c *Coordinator) resolveName(op, username, domain string) (identity.Identifier, error) {
	if strings.TrimSpace(domain) == "" {
		domain = c.domains.Primary().Name
	}
	d, ok := c.domains.Lookup(domain)
	if !ok {
		return identity.Identifier{}, identity.Invalid(op, fmt.Sprintf("unknown domain %q", domain))
	}
	id := identity.NewIdentifier(username, d.Name)
	if err := identity.ValidateUsername(id.Username); err != nil {
		return identity.Identifier{}, err
	}
	return id, nil
}

func (c *Coordinator) resolve(op, username, pubkey, domain string) (target, error) {
	id, err := c.resolveName(op, username, domain)
	if err != nil {
		return target{}, err
	}
	hex, err := identity.ParsePubkey(pubkey)
	if err != nil {
		return target{}, err
	}
	npub := strings.TrimSpace(pubkey)
	if !strings.HasPrefix(npub, "npub") {
		if npub, err = identity.EncodeNpub(hex); err != nil {
			return target{}, err
		}
	}
	return target{id: id, pubkeyHex: hex, npub: npub}, nil
}

// run executes fn as one critical section for id's domain.
func (c *Coordinator) run(ctx context.Context, op string, id identity.Identifier, fn func(s *section) (Outcome, error)) (Outcome, error) {
	ctx, span := c.startSpan(ctx, op, id)
	defer span.End()
	// Once entered, a section runs to completion or to its rollback path.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.observeWait(start)
	defer c.metrics.observeSection(op, time.Now())

	s, err := c.begin(ctx, op, id.Domain)
	if err != nil {
		c.metrics.outcome(op, "error")
		endSpan(span, err)
		return 0, err
	}
	out, err := fn(s)
	if err != nil {
		s.rollback("error")
		c.metrics.outcome(op, "error")
		endSpan(span, err)
		return 0, err
	}
	s.rollback("unfinished")
	label := out.String()
	if s.label != "" {
		label = s.label
	}
	c.metrics.outcome(op, label)
	span.SetAttributes(attribute.String("nostrid.outcome", label))
	return out, nil
}

func (c *Coordinator) notify(domain string) {
	for _, fn := range c.onChange {
		fn(domain)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, op string, id identity.Identifier) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("nostrid.domain", id.Domain),
		attribute.String("nostrid.nip05", id.Key()),
	))
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}
