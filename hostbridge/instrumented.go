package hostbridge

import (
	"github.com/cavern-os/ihvm/debugsrv"
	"github.com/cavern-os/ihvm/metrics"
)

// Instrumented wraps any Bridge, adding Prometheus counters and
// (optionally) forwarding every DebugLog call to an attached debugsrv
// viewer. Composition over inheritance, per SPEC_FULL.md §4.6 — any
// Bridge can be instrumented without the underlying implementation
// knowing metrics or debugsrv exist.
type Instrumented struct {
	Bridge
	frames *debugsrv.Server
}

// Instrument wraps inner, optionally forwarding frames to srv (nil to
// disable frame forwarding).
func Instrument(inner Bridge, srv *debugsrv.Server) *Instrumented {
	return &Instrumented{Bridge: inner, frames: srv}
}

func (i *Instrumented) PostMessage(pid uint32, message []byte) (uint32, bool) {
	id, ok := i.Bridge.PostMessage(pid, message)
	if ok {
		metrics.MessagesSent.Inc()
	}
	return id, ok
}

func (i *Instrumented) DebugLog(snapshot Snapshot, tag uint32) {
	i.Bridge.DebugLog(snapshot, tag)
	if i.frames == nil {
		return
	}
	i.frames.Push(debugsrv.Frame{
		HandlerID:       snapshot.HandlerID,
		InterruptNumber: snapshot.InterruptNumber,
		IP:              uint32(snapshot.IP),
		Tag:             tag,
		Registers:       snapshot.Registers,
	})
}
