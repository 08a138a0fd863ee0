package session

import (
	"context"
	"strings"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/status"
	"github.com/linnemanlabs/ermct/internal/triage"
)

// UpdateCase applies hand edits to the case and re-runs the local classifier
// unless it is locked.
func (m *Machine) UpdateCase(ctx context.Context, p triage.Patch) error {
	return m.call(ctx, func() error {
		if m.view != ViewInput && m.view != ViewReview {
			return wrongView("update_case", m.view)
		}
		p.ApplyTo(&m.cs)
		m.classifier.Evaluate(&m.cs)
		m.notice = ""
		return nil
	})
}

// Finalize ends intake. Unless the classifier is locked, the case is sent for
// text inference once. The session moves to Review, or straight to List when
// the review step is disabled.
func (m *Machine) Finalize(ctx context.Context) error {
	return m.call(ctx, func() error {
		if m.view != ViewInput {
			return wrongView("finalize", m.view)
		}
		m.notice = ""
		m.startTextInference()
		if m.cfg.ReviewStep {
			m.setView(ViewReview)
		} else {
			m.enterList()
		}
		return nil
	})
}

// Navigate moves between Input, Review and List without side effects other
// than those of entering List.
func (m *Machine) Navigate(ctx context.Context, to View) error {
	return m.call(ctx, func() error {
		if !m.canNavigate(to) {
			return wrongView("navigate to "+string(to), m.view)
		}
		if to == ViewList {
			m.enterList()
		} else {
			m.setView(to)
		}
		return nil
	})
}

func (m *Machine) canNavigate(to View) bool {
	switch m.view {
	case ViewReview:
		return to == ViewList || to == ViewInput
	case ViewList:
		return to == ViewInput || (to == ViewReview && m.cfg.ReviewStep)
	}
	return false
}

// Select picks a candidate and submits exactly one transfer request for it.
// The view moves to Confirm before the request resolves. Selecting again in
// Confirm is ignored; selecting from the list while an earlier create is
// still outstanding returns ErrRequestPending.
func (m *Machine) Select(ctx context.Context, candidateID string) error {
	return m.call(ctx, func() error {
		if m.view == ViewConfirm {
			return nil
		}
		if m.view != ViewList {
			return wrongView("select", m.view)
		}
		if m.creating != 0 {
			return ErrRequestPending
		}
		cand, ok := findCandidate(m.displayed(), candidateID)
		if !ok {
			return fault.ValidationError("select", "candidate "+candidateID+" is not on the list")
		}
		m.selectCandidate(cand)
		return nil
	})
}

func findCandidate(list []routing.Candidate, id string) (routing.Candidate, bool) {
	for _, c := range list {
		if c.ID == id {
			return c, true
		}
	}
	return routing.Candidate{}, false
}

// ReturnToList leaves a rejected request and goes back to the candidates.
// The rejected request is forgotten; the next selection creates a new one.
func (m *Machine) ReturnToList(ctx context.Context) error {
	return m.call(ctx, func() error {
		if m.view != ViewConfirm || m.st != status.Rejected {
			return wrongView("return_to_list", m.view)
		}
		m.discardSelection()
		m.enterList()
		return nil
	})
}

// StartTransfer begins the approved transfer. The stored request moves to
// transferring and a fixed transit timer completes it.
func (m *Machine) StartTransfer(ctx context.Context) error {
	return m.call(ctx, func() error {
		if m.view != ViewConfirm || m.st != status.Approved {
			return wrongView("start_transfer", m.view)
		}
		m.setView(ViewTransferring)
		m.updateRequest(status.Transferring)

		gen := m.selGen
		m.after(&m.transfer, m.cfg.TransferDelay, func() { m.transferElapsed(gen) })
		return nil
	})
}

// Back steps one screen backward: Confirm to List, List to Input, Review to
// Input, and Input to exit. Leaving Confirm forgets the selection; a create
// still in flight is not cancelled and its result is ignored.
func (m *Machine) Back(ctx context.Context) error {
	return m.call(ctx, func() error {
		switch m.view {
		case ViewConfirm:
			m.discardSelection()
			m.enterList()
		case ViewList, ViewReview:
			m.setView(ViewInput)
		case ViewInput:
			m.exited = true
		default:
			return wrongView("back", m.view)
		}
		return nil
	})
}

// Reset starts over with a blank case. It is allowed from every view.
func (m *Machine) Reset(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.reset()
		return nil
	})
}

// StartVoice begins a voice recording. A denied microphone returns a
// permission fault.
func (m *Machine) StartVoice(ctx context.Context) error {
	return m.call(ctx, func() error {
		if m.voice == nil {
			return fault.PermissionError("microphone", errNoMicrophone)
		}
		if m.view != ViewInput && m.view != ViewReview {
			return wrongView("start_voice", m.view)
		}
		m.voiceGen = m.caseGen
		if err := m.voice.Start(m.caseCtx); err != nil {
			m.notice = noticeMicrophone
			return err
		}
		m.notice = ""
		return nil
	})
}

// StopVoice ends the recording and submits it.
func (m *Machine) StopVoice(ctx context.Context) error {
	return m.call(ctx, func() error {
		if m.voice != nil {
			m.voice.Stop()
		}
		return nil
	})
}

func (m *Machine) reset() {
	m.caseCancel()
	m.caseCtx, m.caseCancel = context.WithCancel(m.ctx)
	m.caseGen++

	m.stopTimer(&m.transfer)
	m.discardSelection()
	if m.voice != nil {
		m.voice.Reset()
	}
	m.consumer = routing.NewConsumer(m.deps.Routing)
	m.cs = triage.NewCase()
	m.classifier.Reset(&m.cs)

	m.inferring = false
	m.routing = false
	m.refining = false
	m.exited = false
	m.notice = ""
	m.transitions = nil
	m.setView(ViewInput)
}

// discardSelection forgets the selected candidate and its request.
func (m *Machine) discardSelection() {
	m.selGen++
	m.stopTimer(&m.fallback)
	if m.listener != nil {
		m.listener.Detach()
	}
	m.selected = nil
	m.requestID = ""
	m.st = ""
	m.reason = ""
}

func (m *Machine) selectCandidate(c routing.Candidate) {
	m.selGen++
	gen := m.selGen
	m.selected = &c
	m.st = status.Waiting
	m.reason = ""
	m.setView(ViewConfirm)

	req := requests.FromCase(c.ID, m.owner, m.cs)
	m.creating = gen
	m.background(m.ctx, func(ctx context.Context) func() {
		r, err := m.deps.Requests.Create(ctx, req)
		m.deps.Metrics.requestCreated(err)
		return func() { m.created(gen, r, err) }
	})
}

// enterList shows the candidate list, locating the responder and fetching a
// base result when needed.
func (m *Machine) enterList() {
	m.setView(ViewList)
	m.startLocate()
	m.ensureRouting()
}

func (m *Machine) hasResult() bool {
	r := m.consumer.Result()
	return r != nil && len(r.Hospitals) > 0
}

func (m *Machine) ensureRouting() {
	if m.inferring || m.routing || m.hasResult() {
		return
	}
	m.routing = true
	gen, resultGen, cs, consumer := m.caseGen, m.resultGen, m.cs.Clone(), m.consumer
	m.background(m.caseCtx, func(ctx context.Context) func() {
		start := m.clk.Now()
		resp, err := consumer.FetchBase(ctx, cs)
		if !fault.IsKind(err, fault.Validation) {
			m.deps.Metrics.observeCall("route_by_acuity", err, m.clk.Now().Sub(start))
		}
		return func() { m.baseRouted(gen, resultGen, resp, err) }
	})
}

func (m *Machine) startTextInference() {
	if m.classifier.Locked() || m.inferring || strings.TrimSpace(m.cs.Symptoms) == "" {
		return
	}
	m.inferring = true
	gen := m.caseGen
	text := Report(m.cs)
	m.background(m.caseCtx, func(ctx context.Context) func() {
		start := m.clk.Now()
		resp, err := m.deps.Inferencer.InferText(ctx, text)
		m.deps.Metrics.observeCall("infer_text", err, m.clk.Now().Sub(start))
		return func() { m.textInferred(gen, resp, err) }
	})
}

// startLocate asks for the position once per session. The flow carries its
// own timeout, so the per-call timeout does not apply.
func (m *Machine) startLocate() {
	if m.geo.Requested() {
		return
	}
	m.locating = true
	m.spawn(m.ctx, 0, func(ctx context.Context) func() {
		pos, err := m.geo.Locate(ctx)
		return func() { m.located(pos, err) }
	})
}

func (m *Machine) maybeRefine() {
	if m.position == nil || m.refining || m.routing || m.inferring {
		return
	}
	r := m.consumer.Result()
	if r == nil || len(r.Hospitals) == 0 || r.HasDistance() {
		return
	}
	m.refining = true
	gen, pos, consumer := m.caseGen, *m.position, m.consumer
	m.background(m.caseCtx, func(ctx context.Context) func() {
		start := m.clk.Now()
		_, err := consumer.Refine(ctx, pos.Lat, pos.Lon)
		m.deps.Metrics.observeCall("route_nearest", err, m.clk.Now().Sub(start))
		return func() { m.refined(gen, err) }
	})
}

func (m *Machine) updateRequest(s status.Status) {
	if m.requestID == "" {
		return
	}
	id := m.requestID
	m.background(m.ctx, func(ctx context.Context) func() {
		if _, err := m.deps.Requests.UpdateStatus(ctx, id, s, ""); err != nil {
			m.logger.Error(ctx, err, "update transfer request status failed", "session_id", m.id, "request_id", id, "status", s)
		}
		return nil
	})
}
