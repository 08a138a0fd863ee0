package voice

import (
	"context"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/routing"
)

// Config wires a Pipeline.
type Config struct {
	SessionID  string
	Microphone Microphone
	Inferencer routing.Inferencer
	Archiver   Archiver // optional
	Clock      clock.Clock
	Logger     log.Logger

	// OnResult receives the outcome of every processing cycle that was not
	// discarded by Reset. It is called without internal locks held.
	OnResult func(Result)

	// OnState observes state changes. Optional. It is called with the
	// pipeline lock held and must not call back into the Pipeline.
	OnState func(State)
}

// Pipeline runs voice capture cycles for one session.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	state    State
	gen      uint64
	rec      *capture
	stream   Stream
	capTimer clock.Timer
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewPipeline returns an idle Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Pipeline{cfg: cfg}
}

// State returns the current phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start opens the microphone and begins a recording. It is a no-op unless the
// pipeline is Idle. A denied microphone returns a permission fault and leaves
// the pipeline Idle.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return nil
	}
	p.gen++
	gen := p.gen
	p.setState(Recording)
	p.mu.Unlock()

	stream, err := p.cfg.Microphone.Open(ctx)

	p.mu.Lock()
	if gen != p.gen {
		// reset while opening
		p.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return nil
	}
	if err != nil {
		p.setState(Idle)
		p.mu.Unlock()
		return fault.PermissionError("microphone", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.stream = stream
	p.rec = newCapture(p.cfg.Clock.Now())
	p.capTimer = p.cfg.Clock.AfterFunc(MaxDuration, func() { p.stop(gen) })
	p.mu.Unlock()

	go p.pump(gen, stream)
	return nil
}

// Stop finalizes the recording and submits it. It is a no-op unless Recording.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.stop(gen)
}

// Reset discards any recording or in-flight inference and returns to Idle.
// A result still in flight is dropped.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.gen++
	stream := p.stream
	p.releaseLocked()
	p.rec = nil
	p.setState(Idle)
	p.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

// pump buffers chunks until the stream closes, then finalizes the recording.
// It is the only path into Processing, so chunks already in flight when Stop
// is called are kept.
func (p *Pipeline) pump(gen uint64, s Stream) {
	for chunk := range s.Chunks() {
		p.mu.Lock()
		if gen == p.gen && p.rec != nil {
			p.rec.Append(chunk)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	if gen != p.gen || p.rec == nil {
		p.mu.Unlock()
		return
	}
	if p.capTimer != nil {
		p.capTimer.Stop()
		p.capTimer = nil
	}
	if p.state == Recording {
		// stream ended on the device side
		p.setState(Stopped)
	}
	asset := p.rec.Asset()
	p.rec = nil
	p.stream = nil
	ctx := p.ctx
	p.setState(Processing)
	p.mu.Unlock()

	p.process(ctx, gen, asset)
}

func (p *Pipeline) stop(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state != Recording || p.rec == nil {
		p.mu.Unlock()
		return
	}
	p.setState(Stopped)
	if p.capTimer != nil {
		p.capTimer.Stop()
		p.capTimer = nil
	}
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

func (p *Pipeline) process(ctx context.Context, gen uint64, asset routing.Audio) {
	L := p.cfg.Logger

	if len(asset.Data) == 0 {
		p.finish(gen, Result{Err: fault.ValidationError("infer_audio", "recording is empty")})
		return
	}

	if p.cfg.Archiver != nil {
		if err := p.cfg.Archiver.Archive(ctx, p.cfg.SessionID, asset); err != nil {
			L.Warn(ctx, "voice archive failed", "session_id", p.cfg.SessionID, "error", err)
		}
	}

	resp, err := p.cfg.Inferencer.InferAudio(ctx, asset)
	if err != nil {
		L.Warn(ctx, "voice inference failed", "session_id", p.cfg.SessionID, "error", err)
		p.finish(gen, Result{Err: fault.NetworkError("infer_audio", err)})
		return
	}
	p.finish(gen, Result{Response: resp})
}

func (p *Pipeline) finish(gen uint64, r Result) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.releaseLocked()
	p.setState(Idle)
	p.mu.Unlock()

	if p.cfg.OnResult != nil {
		p.cfg.OnResult(r)
	}
}

// releaseLocked stops the cap timer and cancels the cycle context.
func (p *Pipeline) releaseLocked() {
	if p.capTimer != nil {
		p.capTimer.Stop()
		p.capTimer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.ctx = nil
	p.stream = nil
}

func (p *Pipeline) setState(s State) {
	p.state = s
	if p.cfg.OnState != nil {
		p.cfg.OnState(s)
	}
}
