package session

import (
	"context"
	"errors"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/status"
	"github.com/linnemanlabs/ermct/internal/voice"
)

var errNoMicrophone = errors.New("no microphone attached")

// User-facing notices.
const (
	noticeMicrophone = "마이크 권한을 허용해 주세요."
	noticeVoice      = "음성 인식에 실패했습니다. 다시 시도해 주세요."
)

// Resolution sources.
const (
	sourceListener = "listener"
	sourceFallback = "fallback"
	sourceTransfer = "transfer"
)

func (m *Machine) created(gen uint64, r *requests.Request, err error) {
	if m.creating == gen {
		m.creating = 0
	}
	if gen != m.selGen || m.view != ViewConfirm {
		if err == nil {
			m.logger.Info(m.ctx, "ignoring stale transfer request", "session_id", m.id, "request_id", r.ID)
		}
		return
	}

	if err != nil {
		m.logger.Error(m.ctx, err, "create transfer request failed, arming fallback approval",
			"session_id", m.id, "facility_id", m.selected.ID)
		m.after(&m.fallback, m.cfg.FallbackDelay, func() { m.fallbackElapsed(gen) })
		return
	}

	m.requestID = r.ID
	m.logger.Info(m.ctx, "transfer request created", "session_id", m.id, "request_id", r.ID, "facility_id", r.FacilityID)

	if m.listener == nil {
		m.logger.Warn(m.ctx, "no status feed, arming fallback approval", "session_id", m.id, "request_id", r.ID)
		m.after(&m.fallback, m.cfg.FallbackDelay, func() { m.fallbackElapsed(gen) })
		return
	}
	attachErr := m.listener.Attach(m.ctx, r.ID, func(ev status.Event) {
		m.post(func() { m.statusChanged(ev) })
	})
	if attachErr != nil {
		m.logger.Error(m.ctx, attachErr, "status subscription failed, arming fallback approval",
			"session_id", m.id, "request_id", r.ID)
		m.after(&m.fallback, m.cfg.FallbackDelay, func() { m.fallbackElapsed(gen) })
		return
	}
	m.catchUp(gen, r.ID)
}

// catchUp reads the request once after subscribing, so a decision made
// before the subscription was live is not lost. Apply ignores repeats.
func (m *Machine) catchUp(gen uint64, id string) {
	m.background(m.ctx, func(ctx context.Context) func() {
		r, found, err := m.deps.Requests.Get(ctx, id)
		if err == nil && !found {
			err = requests.ErrNotFound
		}
		if err != nil {
			m.logger.Warn(ctx, "status catch-up read failed", "session_id", m.id, "request_id", id, "error", err)
			return nil
		}
		ev := r.Event()
		return func() {
			if gen == m.selGen {
				m.statusChanged(ev)
			}
		}
	})
}

func (m *Machine) statusChanged(ev status.Event) {
	if m.view != ViewConfirm {
		return
	}
	next, ok := status.Apply(m.st, ev, m.requestID)
	if !ok {
		return
	}
	m.reason = ev.Reason
	m.resolve(next, sourceListener)
}

func (m *Machine) fallbackElapsed(gen uint64) {
	m.fallback = nil
	if gen != m.selGen || m.view != ViewConfirm || m.st != status.Waiting {
		return
	}
	m.resolve(status.Approved, sourceFallback)
}

func (m *Machine) resolve(s status.Status, source string) {
	m.st = s
	m.stopTimer(&m.fallback)
	m.deps.Metrics.resolved(s, source)
	m.logger.Info(m.ctx, "transfer request resolved", "session_id", m.id, "request_id", m.requestID,
		"status", s, "source", source)
	m.notify(s, source)
}

func (m *Machine) transferElapsed(gen uint64) {
	m.transfer = nil
	if gen != m.selGen || m.view != ViewTransferring {
		return
	}
	m.setView(ViewCompleted)
	m.updateRequest(status.Completed)
	m.deps.Metrics.transferCompleted()
	m.notify(status.Completed, sourceTransfer)
}

func (m *Machine) notify(s status.Status, source string) {
	if m.deps.Notifier == nil {
		return
	}
	o := Outcome{
		SessionID: m.id,
		RequestID: m.requestID,
		Status:    s,
		Reason:    m.reason,
		Source:    source,
		At:        m.clk.Now(),
	}
	if m.selected != nil {
		o.FacilityID = m.selected.ID
		o.FacilityName = m.selected.Name
	}
	if m.cs.Level != nil {
		lv := *m.cs.Level
		o.Level = &lv
	}
	m.background(m.ctx, func(ctx context.Context) func() {
		if err := m.deps.Notifier.Notify(ctx, o); err != nil {
			m.logger.Error(ctx, err, "outcome notification failed", "session_id", o.SessionID, "status", o.Status)
		}
		return nil
	})
}

func (m *Machine) textInferred(gen uint64, resp *routing.Response, err error) {
	if gen != m.caseGen {
		return
	}
	m.inferring = false
	if err != nil {
		// classifier stays unlocked
		m.logger.Warn(m.ctx, "text inference failed", "session_id", m.id, "error", err)
	} else {
		m.applyInference(resp)
	}
	if m.view == ViewList {
		m.ensureRouting()
		m.maybeRefine()
	}
}

// onVoiceResult is called by the voice pipeline outside the loop.
func (m *Machine) onVoiceResult(r voice.Result) {
	m.post(func() { m.voiceDone(r) })
}

func (m *Machine) voiceDone(r voice.Result) {
	if m.voiceGen != m.caseGen {
		return
	}
	if r.Err != nil {
		if !fault.IsKind(r.Err, fault.Validation) {
			m.notice = noticeVoice
		}
		return
	}
	m.notice = ""
	m.applyInference(r.Response)
	if m.view == ViewInput && m.cfg.ReviewStep {
		m.setView(ViewReview)
	}
}

func (m *Machine) baseRouted(gen, resultGen uint64, resp *routing.Response, err error) {
	if gen != m.caseGen {
		return
	}
	m.routing = false
	if resultGen != m.resultGen {
		// an inference result replaced the held one while the call was out
		m.maybeRefine()
		return
	}
	switch {
	case err == nil:
		m.consumer.Apply(resp)
		m.maybeRefine()
	case fault.IsKind(err, fault.Validation):
		// nothing to route yet
		m.consumer.Clear()
	default:
		m.consumer.Clear()
		m.logger.Warn(m.ctx, "base routing failed", "session_id", m.id, "error", err)
	}
}

func (m *Machine) located(pos geo.Position, err error) {
	m.locating = false
	if err != nil {
		m.logger.Info(m.ctx, "proceeding without location", "session_id", m.id, "reason", err)
		return
	}
	m.position = &pos
	m.maybeRefine()
}

func (m *Machine) refined(gen uint64, err error) {
	if gen != m.caseGen {
		return
	}
	m.refining = false
	if err != nil {
		m.logger.Info(m.ctx, "location refinement failed, keeping base result", "session_id", m.id, "error", err)
	}
}

// applyInference takes an inference response as the routing result and
// copies its classification and vitals onto the case.
func (m *Machine) applyInference(resp *routing.Response) {
	if resp == nil {
		return
	}
	m.resultGen++
	m.consumer.Apply(resp)
	ApplyResponse(&m.cs, &m.classifier, resp)
}
