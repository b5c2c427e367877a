package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/steward/internal/message"
)

// knowledge queries longer than this are truncated
const maxQueryRunes = 2000

type pipeline struct {
	c   *Controller
	msg message.Message
	rec *ProcessingRecord
	L   log.Logger
}

// run drives one message to a terminal state. The only error it returns is a
// credential failure, in which case nothing is recorded.
func (p *pipeline) run(ctx context.Context) error {
	c := p.c

	p.rec.State = StateAnalyzing
	var analysis *IssueAnalysis
	err := p.call(ctx, "analyze", func(ctx context.Context) error {
		a, err := c.classifier.Analyze(ctx, p.msg)
		if err != nil {
			return err
		}
		if a == nil {
			return PermanentError(KindClassification, "analyze", errors.New("classifier returned no analysis"))
		}
		analysis = a
		return nil
	})
	if err != nil {
		return p.fail(ctx, KindClassification, err)
	}
	p.applyAnalysis(ctx, analysis)

	p.rec.State = StateMatching
	var matches []KnowledgeMatch
	err = p.call(ctx, "match", func(ctx context.Context) error {
		m, err := c.matcher.Search(ctx, truncateRunes(p.msg.Text(), maxQueryRunes), c.cfg.SearchLimit)
		matches = m
		return err
	})
	if err != nil {
		return p.fail(ctx, KindLookup, err)
	}
	best := BestMatch(matches)
	if best != nil {
		sim, clamped := Clamp01(best.Similarity)
		if clamped {
			p.L.Warn(ctx, "knowledge similarity out of range, clamped", "article_id", best.ArticleID, "similarity", best.Similarity)
		}
		p.rec.MatchID = best.ArticleID
		p.rec.Similarity = sim
	}

	p.rec.State = StateDeciding
	plan := Decide(analysis, best, c.cfg.Thresholds).Address(p.msg, c.now())
	p.rec.Action = plan.Kind
	c.hooks.decision(plan.Kind)
	p.L.Info(ctx, "decision made",
		"action", plan.Kind,
		"confidence", p.rec.Confidence,
		"match_id", p.rec.MatchID,
		"similarity", p.rec.Similarity,
	)
	if plan.Kind == ActionFail {
		return p.fail(ctx, plan.ErrorKind, errors.New("no usable analysis"))
	}

	p.rec.State = StateExecuting
	ref, err := p.execute(ctx, plan)
	if err != nil {
		return p.fail(ctx, KindDelivery, err)
	}
	p.rec.ActionRef = ref

	if plan.Meeting != nil {
		p.schedule(ctx, *plan.Meeting)
	}

	p.rec.State = StateLogged
	return nil
}

func (p *pipeline) applyAnalysis(ctx context.Context, a *IssueAnalysis) {
	conf, clamped := Clamp01(a.Confidence)
	if clamped {
		p.L.Warn(ctx, "classifier confidence out of range, clamped", "confidence", a.Confidence)
	}
	p.rec.Category = a.Category
	p.rec.Priority = a.Priority
	p.rec.Sentiment = a.Sentiment
	p.rec.Confidence = conf
}

func (p *pipeline) execute(ctx context.Context, plan ActionPlan) (string, error) {
	c := p.c
	var ref string
	switch plan.Kind {
	case ActionAutoRespond:
		err := p.call(ctx, "reply", func(ctx context.Context) error {
			id, err := c.replies.Send(ctx, *plan.Reply)
			ref = id
			return err
		})
		return ref, err

	case ActionCreateTicket:
		err := p.call(ctx, "ticket", func(ctx context.Context) error {
			id, err := c.tickets.Create(ctx, *plan.Ticket)
			ref = id
			return err
		})
		return ref, err

	case ActionEscalate:
		if c.escalator == nil {
			p.rec.addTag("escalation-unrouted")
			p.L.Warn(ctx, "no escalator configured, escalation recorded only")
			return "", nil
		}
		err := p.call(ctx, "escalate", func(ctx context.Context) error {
			return c.escalator.Escalate(ctx, *plan.Escalation)
		})
		return "", err

	default:
		return "", PermanentError(KindDelivery, "execute", fmt.Errorf("unexpected action %q", plan.Kind))
	}
}

// schedule is best-effort: the escalation already happened.
func (p *pipeline) schedule(ctx context.Context, m MeetingRequest) {
	c := p.c
	if c.meetings == nil {
		p.rec.addTag("meeting-unscheduled")
		return
	}
	var (
		slot    Slot
		eventID string
	)
	err := p.call(ctx, "schedule", func(ctx context.Context) error {
		s, id, err := c.meetings.Schedule(ctx, m.Participants, m.Slots, m.Title, m.Description)
		slot, eventID = s, id
		return err
	})
	if err != nil {
		p.rec.addTag("meeting-failed")
		p.L.Warn(ctx, "callback scheduling failed", "error", err)
		if IsAuth(err) {
			c.authFailures.Add(1)
			c.hooks.authFailure()
			c.recordError(err)
			c.alert(ctx, Alert{Title: "Steward calendar credential failure", Detail: err.Error(), Kind: KindAuth, At: c.now()})
		}
		return
	}
	p.rec.addTag("meeting-scheduled")
	p.L.Info(ctx, "callback scheduled", "event_id", eventID, "start", slot.Start.Format(time.RFC3339))
}

// fail moves the record to failed and opens one fallback ticket so the
// message reaches a human. Credential failures, from the step or from the
// fallback ticket, are returned so the tick aborts.
func (p *pipeline) fail(ctx context.Context, kind Kind, err error) error {
	if IsAuth(err) {
		return err
	}
	c := p.c
	p.rec.State = StateFailed
	p.rec.Action = ActionFail
	p.rec.ErrorKind = kind
	p.rec.LastError = err.Error()
	c.setLastError(err)
	p.L.Error(ctx, err, "pipeline failed", "error_kind", kind, "attempts", p.rec.Attempts)

	cctx, cancel := c.cfg.Retry.callContext(ctx)
	defer cancel()
	id, ferr := c.tickets.Create(cctx, FallbackTicket(p.msg, p.rec))
	if IsAuth(ferr) {
		// unconsumed, so the fallback is retried once credentials are back
		p.L.Error(ctx, ferr, "fallback ticket rejected credentials")
		return ferr
	}
	if ferr != nil {
		p.rec.addTag("fallback-failed")
		c.recordError(fmt.Errorf("fallback ticket for %s: %w", p.msg.ID, ferr))
		c.hooks.fallbackFailure()
		p.L.Error(ctx, ferr, "fallback ticket failed")
		return nil
	}
	p.rec.ActionRef = id
	p.rec.addTag("fallback-ticket")
	p.L.Info(ctx, "fallback ticket opened", "ticket", id)
	return nil
}

// call runs fn under the retry policy and folds retries into the record.
func (p *pipeline) call(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts, err := p.c.cfg.Retry.Do(ctx, fn, p.c.onRetry(ctx, p.L, step))
	if attempts > 1 {
		p.rec.Attempts += attempts - 1
	}
	p.c.hooks.step(step, time.Since(start).Seconds(), err != nil)
	return err
}
