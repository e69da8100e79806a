package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/mail2slack/internal/email"
	"github.com/shineum/mail2slack/internal/forward"
	"github.com/shineum/mail2slack/internal/parser"
	"github.com/shineum/mail2slack/internal/preview"
	"github.com/shineum/mail2slack/internal/rawbody"
	"github.com/shineum/mail2slack/internal/routing"
	"github.com/shineum/mail2slack/internal/slackapi"
	"github.com/shineum/mail2slack/internal/target"
	"github.com/shineum/mail2slack/internal/telemetry"
)

const scopeName = "github.com/shineum/mail2slack/pipeline"

// Reply codes suggested to the mail transport.
const (
	CodeNoRecipient   = 550
	CodeForwardFailed = forward.RejectCode
	CodeUnreadable    = 451
)

// TargetResolver binds a route to a Slack channel id.
type TargetResolver interface {
	Resolve(ctx context.Context, route *routing.RouteConfig, cache *target.Cache) *target.ResolvedTarget
}

// Notifier posts a rendered notification.
type Notifier interface {
	PostMessage(ctx context.Context, msg *slackapi.Message) (string, error)
}

// Archiver uploads the raw message as a file.
type Archiver interface {
	Upload(ctx context.Context, channelID, filename string, data []byte, note *slackapi.Annotation) bool
}

// ForwardDeliverer forwards copies by email.
type ForwardDeliverer interface {
	Configured() bool
	Deliver(ctx context.Context, req forward.Request) *forward.Result
}

// Config holds the pipeline switches.
type Config struct {
	MissPolicy routing.MissPolicy
	// Notify posts a notification for Slack routes.
	Notify bool
	// Archive uploads the raw .eml for Slack routes.
	Archive bool
}

// Deps are the collaborators of a Pipeline. Resolver, Notifier, Archiver and
// Forwarder may be nil; the matching tasks are then skipped.
type Deps struct {
	Routes    *routing.Store
	Router    *routing.Router
	Resolver  TargetResolver
	Notifier  Notifier
	Archiver  Archiver
	Renderer  *preview.Renderer
	Forwarder ForwardDeliverer
	Tracker   *Tracker
	// Now returns the current time; it names archive files.
	Now func() time.Time
}

// Pipeline handles inbound events.
type Pipeline struct {
	cfg  Config
	deps Deps

	tracer     trace.Tracer
	events     metric.Int64Counter
	deliveries metric.Int64Counter
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if !cfg.MissPolicy.Valid() {
		cfg.MissPolicy = routing.MissReject
	}
	if deps.Routes == nil {
		deps.Routes = routing.NewStore(nil)
	}
	if deps.Router == nil {
		deps.Router = routing.NewRouter("")
	}
	if deps.Renderer == nil {
		deps.Renderer = preview.NewRenderer(preview.DefaultOptions())
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m := telemetry.Meter(scopeName)
	events, _ := m.Int64Counter("mail2slack.events",
		metric.WithDescription("Inbound events by verdict"),
	)
	deliveries, _ := m.Int64Counter("mail2slack.deliveries",
		metric.WithDescription("Delivery tasks by task and outcome"),
	)

	p := &Pipeline{
		cfg:        cfg,
		deps:       deps,
		tracer:     telemetry.Tracer(scopeName),
		events:     events,
		deliveries: deliveries,
	}
	deps.Tracker.OnComplete(p.taskCompleted)
	return p
}

// Tracker returns the tracker running background tasks.
func (p *Pipeline) Tracker() *Tracker {
	return p.deps.Tracker
}

// CheckRecipient decides whether mail for rcpt can be accepted at all. It is
// meant for the transport's recipient command.
func (p *Pipeline) CheckRecipient(rcpt string) Verdict {
	route := p.deps.Router.Resolve(rcpt, p.deps.Routes.Table())
	if route == nil && p.cfg.MissPolicy == routing.MissReject {
		return reject(CodeNoRecipient, ReasonNoRecipient)
	}
	return accept()
}

// Handle processes one event. Notification and archive tasks run in the
// background on the tracker; forwarding runs inline because its fatal outcome
// is the only one that rejects the message.
// @MX:ANCHOR: [AUTO] Entry point for every accepted recipient of every message
// @MX:REASON: The SMTP session maps the returned verdict onto its DATA reply
func (p *Pipeline) Handle(ctx context.Context, ev *Event) Verdict {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	log := slog.With("event_id", ev.ID, "recipient", ev.Recipient)

	ctx, span := p.tracer.Start(ctx, "pipeline.handle",
		trace.WithAttributes(attribute.String("mail2slack.event_id", ev.ID)),
	)
	defer span.End()

	verdict := p.handle(ctx, log, ev)

	result := "accept"
	if !verdict.Accept {
		result = "reject"
		span.SetStatus(codes.Error, verdict.Reason)
	}
	p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", result)))
	log.Info("event handled", "verdict", result, "reason", verdict.Reason)
	return verdict
}

func (p *Pipeline) handle(ctx context.Context, log *slog.Logger, ev *Event) Verdict {
	route := p.deps.Router.Resolve(ev.Recipient, p.deps.Routes.Table())
	if route == nil {
		if p.cfg.MissPolicy == routing.MissReject {
			log.Warn("no route for recipient")
			return reject(CodeNoRecipient, ReasonNoRecipient)
		}
		log.Info("no route for recipient, skipping")
		return accept()
	}

	raw, err := rawbody.Read(ev.Raw)
	if err != nil {
		log.Error("failed to read message body", "kind", ev.Raw.Kind().String(), "error", err)
		if route.HasForwardTargets() && p.forwardConfigured() {
			return reject(CodeUnreadable, "failed to read message")
		}
		raw = nil
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		log.Warn("failed to parse message, rendering from headers", "error", err)
		msg = nil
	}
	headers := headersOf(ev)

	if route.HasSlackTarget() {
		p.startSlackTasks(ctx, log, ev, route, raw, msg, headers)
	}

	if !route.HasForwardTargets() {
		return accept()
	}
	if !p.forwardConfigured() {
		log.Info("forward targets configured but no forward provider, skipping")
		p.recordDelivery(ctx, TaskForward, OutcomeSkipped)
		return accept()
	}

	originalFrom := ev.EnvelopeFrom
	if msg != nil && msg.From != "" {
		originalFrom = msg.From
	}
	res := p.deps.Forwarder.Deliver(ctx, forward.Request{
		Targets:       route.ForwardTargets,
		Raw:           raw,
		OriginalFrom:  originalFrom,
		RewriteSender: route.ForwardSender,
		Recipient:     ev.Recipient,
	})
	if res.Fatal() {
		p.recordDelivery(ctx, TaskForward, OutcomeFailedFatal)
		log.Error("forwarding failed", "task", TaskForward, "outcome", OutcomeFailedFatal,
			"delivered", res.Delivered, "error", res.Err)
		return reject(rejectCode(res.Err), res.Reason)
	}
	p.recordDelivery(ctx, TaskForward, OutcomeSucceeded)
	log.Info("forwarded", "task", TaskForward, "outcome", OutcomeSucceeded,
		"delivered", res.Delivered, "rewritten", res.Rewritten)
	return accept()
}

// rejectCode reads the reply code carried by a classified forwarding error.
func rejectCode(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code >= 400 && rich.Code < 600 {
		return rich.Code
	}
	return CodeForwardFailed
}

func (p *Pipeline) forwardConfigured() bool {
	return p.deps.Forwarder != nil && p.deps.Forwarder.Configured()
}

// startSlackTasks schedules notification and archive. Both share one
// resolution cache so a channel is looked up or created once per event.
func (p *Pipeline) startSlackTasks(ctx context.Context, log *slog.Logger, ev *Event, route *routing.RouteConfig, raw []byte, msg *email.Email, headers preview.Headers) {
	if p.deps.Resolver == nil {
		log.Info("slack not configured, skipping notification and archive")
		p.recordDelivery(ctx, TaskNotify, OutcomeSkipped)
		p.recordDelivery(ctx, TaskArchive, OutcomeSkipped)
		return
	}

	bg := context.WithoutCancel(ctx)
	cache := target.NewCache()

	if p.cfg.Notify && p.deps.Notifier != nil {
		p.deps.Tracker.Go(bg, ev.ID, TaskNotify, func(ctx context.Context) Outcome {
			return p.notify(ctx, log, route, cache, msg, headers)
		})
	} else {
		p.recordDelivery(ctx, TaskNotify, OutcomeSkipped)
	}

	if p.cfg.Archive && p.deps.Archiver != nil {
		received := p.deps.Now()
		p.deps.Tracker.Go(bg, ev.ID, TaskArchive, func(ctx context.Context) Outcome {
			return p.archive(ctx, log, route, cache, raw, headers, received)
		})
	} else {
		p.recordDelivery(ctx, TaskArchive, OutcomeSkipped)
	}
}

func (p *Pipeline) notify(ctx context.Context, log *slog.Logger, route *routing.RouteConfig, cache *target.Cache, msg *email.Email, headers preview.Headers) Outcome {
	rt := p.deps.Resolver.Resolve(ctx, route, cache)
	if rt == nil {
		log.Warn("notification target unresolved", "task", TaskNotify)
		return OutcomeFailedRecoverable
	}

	n := p.deps.Renderer.Render(msg, headers)
	ts, err := p.deps.Notifier.PostMessage(ctx, n.Message(rt.ChannelID))
	if err != nil {
		log.Warn("notification failed", "task", TaskNotify, "channel", rt.ChannelID, "error", err)
		return OutcomeFailedRecoverable
	}
	log.Debug("notification posted", "task", TaskNotify, "channel", rt.ChannelID, "ts", ts)
	return OutcomeSucceeded
}

func (p *Pipeline) archive(ctx context.Context, log *slog.Logger, route *routing.RouteConfig, cache *target.Cache, raw []byte, headers preview.Headers, received time.Time) Outcome {
	if len(raw) == 0 {
		log.Warn("empty message, nothing to archive", "task", TaskArchive)
		return OutcomeSkipped
	}

	rt := p.deps.Resolver.Resolve(ctx, route, cache)
	if rt == nil {
		log.Warn("archive target unresolved", "task", TaskArchive)
		return OutcomeFailedRecoverable
	}

	title := strings.TrimSpace(headers.Subject)
	if title == "" {
		title = "(no subject)"
	}
	note := &slackapi.Annotation{Title: title}
	if headers.From != "" {
		note.Comment = fmt.Sprintf("Original message from %s", headers.From)
	}

	name := ArchiveName(headers.Subject, received)
	if !p.deps.Archiver.Upload(ctx, rt.ChannelID, name, raw, note) {
		log.Warn("archive upload failed", "task", TaskArchive, "channel", rt.ChannelID, "filename", name)
		return OutcomeFailedRecoverable
	}
	log.Debug("archive uploaded", "task", TaskArchive, "channel", rt.ChannelID, "filename", name)
	return OutcomeSucceeded
}

// ArchiveName builds the .eml file name for an archived message.
func ArchiveName(subject string, received time.Time) string {
	base := target.SanitizeName(subject)
	if base == "" {
		base = "message"
	}
	return base + "-" + received.UTC().Format("20060102-150405") + ".eml"
}

func (p *Pipeline) taskCompleted(c Completion) {
	p.recordDelivery(context.Background(), c.Task, c.Outcome)
	slog.Info("delivery task finished",
		"event_id", c.EventID,
		"task", c.Task,
		"outcome", c.Outcome,
	)
}

func (p *Pipeline) recordDelivery(ctx context.Context, task string, outcome Outcome) {
	p.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", string(outcome)),
	))
}

// headersOf decodes the display headers of ev. The envelope sender stands in
// for a missing From and the recipient for a missing To.
func headersOf(ev *Event) preview.Headers {
	h := gomail.Header{Header: gomessage.Header{Header: ev.Header}}

	out := preview.Headers{
		From: decoded(h, "From"),
		To:   decoded(h, "To"),
		Date: strings.TrimSpace(h.Get("Date")),
	}
	if subject, err := h.Subject(); err == nil {
		out.Subject = strings.TrimSpace(subject)
	} else {
		out.Subject = strings.TrimSpace(h.Get("Subject"))
	}
	if out.From == "" {
		out.From = ev.EnvelopeFrom
	}
	if out.To == "" {
		out.To = ev.Recipient
	}
	return out
}

func decoded(h gomail.Header, key string) string {
	if v, err := h.Text(key); err == nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(h.Get(key))
}
