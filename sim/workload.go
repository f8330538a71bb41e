package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/jsonhelper"
	"github.com/database64128/blockack-go/seqnum"
	"github.com/database64128/blockack-go/tslog"
)

const (
	defaultSessions         = 4
	defaultFramesPerSession = 4096
	defaultWindow           = 64
	defaultBurstSize        = 32
)

// WorkloadConfig stores configurations for the synthetic frame workload.
type WorkloadConfig struct {
	// Sessions is the number of (peer, traffic class) sessions to drive.
	Sessions int `json:"sessions,omitzero"`

	// FramesPerSession is the number of data frames sent on each session.
	FramesPerSession int `json:"framesPerSession,omitzero"`

	// Window is the window size requested for each session.
	Window uint16 `json:"window,omitzero"`

	// BurstSize is the number of consecutive frames shuffled together
	// before submission, simulating in-flight reordering.
	BurstSize int `json:"burstSize,omitzero"`

	// LossPercent is the percentage of frames never submitted.
	LossPercent int `json:"lossPercent,omitzero"`

	// DuplicatePercent is the percentage of frames submitted twice.
	DuplicatePercent int `json:"duplicatePercent,omitzero"`

	// Interval paces bursts. Zero runs the workload as fast as possible.
	Interval jsonhelper.Duration `json:"interval,omitzero"`

	// Seed seeds the workload generator. Zero picks a random seed.
	Seed uint64 `json:"seed,omitzero"`
}

// CheckAndApplyDefaults checks and applies default values to the configuration.
func (wc *WorkloadConfig) CheckAndApplyDefaults() error {
	switch {
	case wc.Sessions > 0 && wc.Sessions <= 1024:
	case wc.Sessions == 0:
		wc.Sessions = defaultSessions
	default:
		return fmt.Errorf("sessions out of range (0, 1024]: %d", wc.Sessions)
	}

	switch {
	case wc.FramesPerSession > 0:
	case wc.FramesPerSession == 0:
		wc.FramesPerSession = defaultFramesPerSession
	default:
		return fmt.Errorf("frames per session must not be negative: %d", wc.FramesPerSession)
	}

	switch {
	case wc.Window > 0 && wc.Window <= frame.MaxWireWindow:
	case wc.Window == 0:
		wc.Window = defaultWindow
	default:
		return fmt.Errorf("window out of range (0, %d]: %d", frame.MaxWireWindow, wc.Window)
	}

	switch {
	case wc.BurstSize > 0:
	case wc.BurstSize == 0:
		wc.BurstSize = defaultBurstSize
	default:
		return fmt.Errorf("burst size must not be negative: %d", wc.BurstSize)
	}

	if wc.LossPercent < 0 || wc.LossPercent > 100 {
		return fmt.Errorf("loss percent out of range [0, 100]: %d", wc.LossPercent)
	}
	if wc.DuplicatePercent < 0 || wc.DuplicatePercent > 100 {
		return fmt.Errorf("duplicate percent out of range [0, 100]: %d", wc.DuplicatePercent)
	}
	if wc.Interval < 0 {
		return fmt.Errorf("interval must not be negative: %s", time.Duration(wc.Interval))
	}
	return nil
}

// workloadSession tracks one driven session's send progress.
type workloadSession struct {
	peer      frame.Peer
	tid       uint8
	next      seqnum.Num
	remaining int
}

// run opens the configured sessions, submits the shuffled frame bursts,
// then tears the sessions down and logs a summary.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	wc := m.workload
	seed := wc.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, 0))

	m.logger.Info("Starting workload",
		slog.Int("sessions", wc.Sessions),
		slog.Int("framesPerSession", wc.FramesPerSession),
		tslog.Uint("window", wc.Window),
		slog.Int("burstSize", wc.BurstSize),
		tslog.Uint("seed", seed),
	)

	sessions := make([]workloadSession, 0, wc.Sessions)
	for i := range wc.Sessions {
		ws := workloadSession{
			peer:      frame.Peer{0x02, 0x1b, 0xa0, 0x00, byte(i >> 8), byte(i)},
			tid:       uint8(i % (frame.MaxTID + 1)),
			next:      seqnum.Num(rng.UintN(seqnum.SpaceSize)),
			remaining: wc.FramesPerSession,
		}

		raw := frame.AddBAReq{
			Header:   frame.Header{Peer: ws.peer, TID: ws.tid},
			Policy:   frame.PolicyImmediateAck,
			Window:   wc.Window,
			StartSeq: ws.next,
		}.AppendTo(nil)
		respRaw, err := m.engine.HandleFrame(raw)
		if err != nil {
			m.logger.Warn("Session open refused",
				tslog.Peer("peer", ws.peer),
				tslog.Uint("tid", ws.tid),
				tslog.Err(err),
			)
			continue
		}
		resp, err := frame.ParseAddBAResp(respRaw)
		if err != nil || resp.Status != frame.StatusSuccess {
			continue
		}
		sessions = append(sessions, ws)
	}

	payload := []byte("blockack-sim payload")
	burst := make([]frame.Data, 0, wc.BurstSize)

	for remaining := len(sessions); remaining > 0; {
		if ctx.Err() != nil {
			m.logger.Info("Workload canceled")
			return
		}

		remaining = 0
		for i := range sessions {
			ws := &sessions[i]
			if ws.remaining == 0 {
				continue
			}

			burst = burst[:0]
			for range min(wc.BurstSize, ws.remaining) {
				burst = append(burst, frame.Data{
					Header:  frame.Header{Peer: ws.peer, TID: ws.tid},
					Seq:     ws.next,
					Payload: payload,
				})
				ws.next = seqnum.Next(ws.next)
				ws.remaining--
			}
			if ws.remaining > 0 {
				remaining++
			}

			rng.Shuffle(len(burst), func(a, b int) {
				burst[a], burst[b] = burst[b], burst[a]
			})

			for _, f := range burst {
				if rng.IntN(100) < wc.LossPercent {
					continue
				}
				raw := f.AppendTo(nil)
				if _, err := m.engine.HandleFrame(raw); err != nil {
					m.logger.Debug("Frame dropped",
						tslog.Peer("peer", f.Peer),
						tslog.Uint("tid", f.TID),
						tslog.Uint("seq", f.Seq),
						tslog.Err(err),
					)
				}
				if rng.IntN(100) < wc.DuplicatePercent {
					_, _ = m.engine.HandleFrame(raw)
				}
			}
		}

		if interval := time.Duration(wc.Interval); interval > 0 {
			select {
			case <-ctx.Done():
				m.logger.Info("Workload canceled")
				return
			case <-time.After(interval):
			}
		}
	}

	for _, ws := range sessions {
		raw := frame.DelBA{
			Header: frame.Header{Peer: ws.peer, TID: ws.tid},
			Reason: frame.ReasonNone,
		}.AppendTo(nil)
		if _, err := m.engine.HandleFrame(raw); err != nil {
			m.logger.Warn("Failed to close session",
				tslog.Peer("peer", ws.peer),
				tslog.Uint("tid", ws.tid),
				tslog.Err(err),
			)
		}
	}

	m.checker.logSummary(m.engine.Stats())
}
