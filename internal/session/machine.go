package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/status"
	"github.com/linnemanlabs/ermct/internal/triage"
	"github.com/linnemanlabs/ermct/internal/voice"
)

// Machine is the state machine of one responder session.
type Machine struct {
	id     string
	owner  string
	cfg    Config
	deps   Deps
	logger log.Logger
	clk    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan event
	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once

	snap      atomic.Pointer[Snapshot]
	lastTouch atomic.Int64

	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}

	// Everything below is owned by the loop goroutine.
	view        View
	exited      bool
	cs          triage.Case
	classifier  triage.Classifier
	consumer    *routing.Consumer
	listener    *status.Listener
	voice       *voice.Pipeline
	geo         *geo.Flow
	position    *geo.Position
	caseCtx     context.Context
	caseCancel  context.CancelFunc
	caseGen     uint64
	selGen      uint64
	voiceGen    uint64
	resultGen   uint64
	selected    *routing.Candidate
	requestID   string
	st          status.Status
	reason      string
	inferring   bool
	routing     bool
	locating    bool
	refining    bool
	creating    uint64
	fallback    clock.Timer
	transfer    clock.Timer
	notice      string
	transitions []Transition
	version     uint64
}

// New starts a Machine for the session id, owned by the responder owner.
// The machine runs until Close or until ctx is cancelled.
func New(ctx context.Context, id, owner string, cfg Config, deps Deps) *Machine {
	if deps.Routing == nil {
		panic(xerrors.New("routing service is required"))
	}
	if deps.Inferencer == nil {
		panic(xerrors.New("inferencer is required"))
	}
	if deps.Requests == nil {
		panic(xerrors.New("request store is required"))
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	cfg = cfg.withDefaults()

	m := &Machine{
		id:     id,
		owner:  owner,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		clk:    deps.Clock,
		ops:    make(chan event),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[chan Snapshot]struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(log.WithContext(context.WithoutCancel(ctx), m.logger))
	m.caseCtx, m.caseCancel = context.WithCancel(m.ctx)

	m.cs = triage.NewCase()
	m.consumer = routing.NewConsumer(deps.Routing)
	m.geo = geo.NewFlow(deps.Locator, m.clk, cfg.LocateTimeout)
	if deps.Feed != nil {
		m.listener = status.NewListener(deps.Feed)
	}
	if deps.Microphone != nil {
		m.voice = voice.NewPipeline(voice.Config{
			SessionID:  id,
			Microphone: deps.Microphone,
			Inferencer: deps.Inferencer,
			Archiver:   deps.Archiver,
			Clock:      m.clk,
			Logger:     m.logger,
			OnResult:   m.onVoiceResult,
			OnState:    func(voice.State) { m.refresh() },
		})
	}

	m.setView(ViewInput)
	m.touch()
	m.publish()

	go m.run()
	return m
}

// ID is the session id.
func (m *Machine) ID() string { return m.id }

// Owner is the user id of the responder running the session.
func (m *Machine) Owner() string { return m.owner }

// Snapshot returns the latest published state.
func (m *Machine) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Subscribe streams snapshots. The channel holds only the latest snapshot; a
// slow reader skips intermediate versions. It is closed by cancel or Close.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- m.Snapshot()

	m.subsMu.Lock()
	select {
	case <-m.done:
		m.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
}

// Close stops the machine, cancels in-flight calls and waits for its
// goroutines.
func (m *Machine) Close() {
	m.closed.Do(func() {
		m.cancel()
		<-m.done

		// loop has exited; actor state is safe to touch here
		m.stopTimer(&m.fallback)
		m.stopTimer(&m.transfer)
		if m.listener != nil {
			m.listener.Detach()
		}
		if m.voice != nil {
			m.voice.Reset()
		}
		m.wg.Wait()
		if m.listener != nil {
			m.listener.Wait()
		}

		m.subsMu.Lock()
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
		m.subsMu.Unlock()
	})
}

// Done is closed once the machine stopped processing events.
func (m *Machine) Done() <-chan struct{} { return m.done }

// event is one unit of work for the loop. done, when set, runs after the
// resulting snapshot is published.
type event struct {
	apply func()
	done  func()
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.ops:
			ev.apply()
			m.publish()
			if ev.done != nil {
				ev.done()
			}
		case <-m.kick:
			m.publish()
		}
	}
}

// post queues op onto the loop. It reports false when the machine is closed.
func (m *Machine) post(op func()) bool {
	select {
	case m.ops <- event{apply: op}:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// call runs fn on the loop and returns its error once the new state is
// published.
func (m *Machine) call(ctx context.Context, fn func() error) error {
	m.touch()
	var err error
	replied := make(chan struct{})
	ev := event{
		apply: func() { err = fn() },
		done:  func() { close(replied) },
	}

	select {
	case m.ops <- ev:
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-replied:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// refresh republishes without changing state.
func (m *Machine) refresh() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// background runs work on its own goroutine with a per-call timeout derived
// from parent. The returned op, if any, is applied on the loop.
func (m *Machine) background(parent context.Context, work func(ctx context.Context) func()) {
	m.spawn(parent, m.cfg.CallTimeout, work)
}

// spawn is background with an explicit timeout; zero means none.
func (m *Machine) spawn(parent context.Context, timeout time.Duration, work func(ctx context.Context) func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := parent, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		}
		op := work(ctx)
		cancel()
		if op != nil {
			m.post(op)
		}
	}()
}

// after arms a one-shot timer whose expiry runs op on the loop.
func (m *Machine) after(t *clock.Timer, d time.Duration, op func()) {
	m.stopTimer(t)
	*t = m.clk.AfterFunc(d, func() { m.post(op) })
}

func (m *Machine) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) touch() {
	m.lastTouch.Store(m.clk.Now().UnixNano())
}

// LastActive is when the last command was received.
func (m *Machine) LastActive() time.Time {
	return time.Unix(0, m.lastTouch.Load())
}

func (m *Machine) setView(v View) {
	m.view = v
	m.transitions = append(m.transitions, Transition{View: v, At: m.clk.Now()})
}

func (m *Machine) loading() bool {
	return m.locating || m.refining
}

// displayed is the candidate list the responder can pick from.
func (m *Machine) displayed() []routing.Candidate {
	if m.loading() {
		return nil
	}
	return m.consumer.Candidates()
}

func (m *Machine) publish() {
	m.version++
	s := &Snapshot{
		SessionID:       m.id,
		Version:         m.version,
		View:            m.view,
		Exited:          m.exited,
		Case:            m.cs.Clone(),
		Locked:          m.classifier.Locked(),
		Candidates:      m.displayed(),
		Loading:         m.loading(),
		RequestID:       m.requestID,
		Status:          m.st,
		RejectionReason: m.reason,
		Voice:           voice.Idle.String(),
		Pending: Pending{
			Inference: m.inferring,
			Routing:   m.routing,
			Locating:  m.locating,
			Refining:  m.refining,
			Creating:  m.creating != 0,
		},
		Notice:      m.notice,
		Transitions: append([]Transition(nil), m.transitions...),
	}
	if s.Candidates == nil {
		s.Candidates = []routing.Candidate{}
	}
	if m.selected != nil {
		sel := *m.selected
		s.Selected = &sel
	}
	if m.voice != nil {
		s.Voice = m.voice.State().String()
	}
	m.snap.Store(s)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *s:
		default:
		}
	}
}
