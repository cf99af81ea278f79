package main

import (
	"context"
	"time"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/ipc"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/registry"
	"github.com/oxidekit/oxidepm/pkg/spec"
	"github.com/oxidekit/oxidepm/pkg/supervisor"
)

func newHandler(reg *registry.Registry, logger logging.Logger) ipc.Handler {
	return func(ctx context.Context, req ipc.Request, send func(ipc.Response) error) ipc.Response {
		switch req.Kind {
		case ipc.ReqPing:
			return ipc.Response{Kind: ipc.RespOk}

		case ipc.ReqRegister:
			if req.Spec == nil {
				return errorFor(errors.NewInvalidSpecError("spec is required", nil))
			}
			summaries, err := reg.Register(ctx, *req.Spec)
			if err != nil {
				return errorFor(err)
			}
			return ipc.Response{Kind: ipc.RespOk, Summaries: summaries}

		case ipc.ReqList:
			summaries, err := reg.List(req.Selector)
			if err != nil {
				return errorFor(err)
			}
			return ipc.Response{Kind: ipc.RespOk, Summaries: summaries}

		case ipc.ReqShow:
			ids, err := reg.ParseSelector(req.Selector)
			if err != nil {
				return errorFor(err)
			}
			if len(ids) == 0 {
				return errorFor(errors.NewNotFoundError("selector matched nothing", nil))
			}
			summary, err := reg.Show(ids[0])
			if err != nil {
				return errorFor(err)
			}
			return ipc.Response{Kind: ipc.RespOk, Summaries: []spec.Summary{summary}}

		case ipc.ReqSignal:
			return handleSignal(ctx, reg, req)

		case ipc.ReqLogs:
			return handleLogs(ctx, reg, req, send)

		case ipc.ReqSubscribe:
			return handleSubscribe(ctx, reg, req, send)

		case ipc.ReqSave:
			if err := reg.Save(); err != nil {
				return errorFor(err)
			}
			return ipc.Response{Kind: ipc.RespOk}

		case ipc.ReqResurrect:
			if err := reg.Resurrect(ctx); err != nil {
				return errorFor(err)
			}
			return ipc.Response{Kind: ipc.RespOk}

		case ipc.ReqShutdown:
			return ipc.Response{Kind: ipc.RespOk}

		default:
			return errorFor(errors.NewInvalidSpecError("unknown request kind", nil).WithContext("kind", string(req.Kind)))
		}
	}
}

func handleSignal(ctx context.Context, reg *registry.Registry, req ipc.Request) ipc.Response {
	if req.Op == ipc.SignalFlushLogs {
		if err := reg.FlushLogs(req.Selector); err != nil {
			return errorFor(err)
		}
		return ipc.Response{Kind: ipc.RespOk}
	}

	op, ok := toSupervisorOp(req.Op)
	if !ok {
		return errorFor(errors.NewInvalidSpecError("unknown signal op", nil).WithContext("op", string(req.Op)))
	}
	if err := reg.Signal(ctx, req.Selector, op); err != nil {
		return errorFor(err)
	}
	summaries, _ := reg.List(req.Selector)
	return ipc.Response{Kind: ipc.RespOk, Summaries: summaries}
}

func toSupervisorOp(op ipc.SignalOp) (supervisor.Op, bool) {
	switch op {
	case ipc.SignalStart:
		return supervisor.OpStart, true
	case ipc.SignalStop:
		return supervisor.OpStop, true
	case ipc.SignalRestart:
		return supervisor.OpRestart, true
	case ipc.SignalReload:
		return supervisor.OpReload, true
	case ipc.SignalDelete:
		return supervisor.OpDelete, true
	default:
		return "", false
	}
}

func handleLogs(ctx context.Context, reg *registry.Registry, req ipc.Request, send func(ipc.Response) error) ipc.Response {
	ids, err := reg.ParseSelector(req.Selector)
	if err != nil {
		return errorFor(err)
	}
	if len(ids) == 0 {
		return errorFor(errors.NewNotFoundError("selector matched nothing", nil))
	}
	id := ids[0]

	out, errw, ok := reg.LogWriters(id)
	if !ok || out == nil {
		return errorFor(errors.NewNotFoundError("instance has no log writers yet", nil))
	}

	if !req.LogFollow {
		return sendLastLines(out, errw, req, send)
	}

	outTail := out.Subscribe()
	defer out.Unsubscribe(outTail)
	var errTail *logpipe.Tail
	if errw != nil {
		errTail = errw.Subscribe()
		defer errw.Unsubscribe(errTail)
	}

	for {
		select {
		case <-ctx.Done():
			return ipc.Response{Kind: ipc.RespOk}
		case line := <-outTail.C():
			if matchesGrep(req.LogGrep, line.Text) {
				if err := send(toLogResponse("stdout", line)); err != nil {
					return ipc.Response{Kind: ipc.RespOk}
				}
			}
		case line, okc := <-tailOrNil(errTail):
			if okc {
				if matchesGrep(req.LogGrep, line.Text) {
					if err := send(toLogResponse("stderr", line)); err != nil {
						return ipc.Response{Kind: ipc.RespOk}
					}
				}
			}
		}
	}
}

func sendLastLines(out, errw *logpipe.RotatingWriter, req ipc.Request, send func(ipc.Response) error) ipc.Response {
	lines := req.LogLines
	if lines <= 0 {
		lines = 20
	}

	outLines, err := out.ReadLastLines(lines)
	if err != nil {
		return errorFor(errors.NewIOError("read log file", err))
	}
	for _, text := range outLines {
		if matchesGrep(req.LogGrep, text) {
			send(ipc.Response{Kind: ipc.RespLogLine, LogStream: "stdout", LogText: text})
		}
	}

	if errw != nil {
		errLines, err := errw.ReadLastLines(lines)
		if err != nil {
			return errorFor(errors.NewIOError("read log file", err))
		}
		for _, text := range errLines {
			if matchesGrep(req.LogGrep, text) {
				send(ipc.Response{Kind: ipc.RespLogLine, LogStream: "stderr", LogText: text})
			}
		}
	}

	return ipc.Response{Kind: ipc.RespOk}
}

func tailOrNil(t *logpipe.Tail) <-chan logpipe.Line {
	if t == nil {
		return nil
	}
	return t.C()
}

func toLogResponse(stream string, line logpipe.Line) ipc.Response {
	return ipc.Response{Kind: ipc.RespLogLine, LogStream: stream, LogText: line.Text, LogGap: line.Gap}
}

func matchesGrep(pattern, text string) bool {
	if pattern == "" {
		return true
	}
	return containsFold(text, pattern)
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func handleSubscribe(ctx context.Context, reg *registry.Registry, req ipc.Request, send func(ipc.Response) error) ipc.Response {
	var ids []uint64
	if req.Selector != "" {
		resolved, err := reg.ParseSelector(req.Selector)
		if err != nil {
			return errorFor(err)
		}
		ids = resolved
	}
	kinds := make([]supervisor.EventKind, 0, len(req.EventKinds))
	for _, k := range req.EventKinds {
		kinds = append(kinds, supervisor.EventKind(k))
	}

	sub := reg.Subscribe(ids, kinds)
	defer reg.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ipc.Response{Kind: ipc.RespOk}
		case ev := <-sub.C():
			err := send(ipc.Response{Kind: ipc.RespEvent, Event: &ipc.EventPayload{
				ID:        ev.ID,
				Kind:      string(ev.Kind),
				Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
				Payload:   ev.Payload,
			}})
			if err != nil {
				return ipc.Response{Kind: ipc.RespOk}
			}
		}
	}
}

func errorFor(err error) ipc.Response {
	kind := ipc.RespInternal
	switch errors.Type(err) {
	case errors.ErrorTypeNotFound:
		kind = ipc.RespNotFound
	case errors.ErrorTypeAlreadyExists:
		kind = ipc.RespAlreadyExists
	case errors.ErrorTypeInvalidSpec:
		kind = ipc.RespInvalidSpec
	case errors.ErrorTypeBusy:
		kind = ipc.RespBusy
	case errors.ErrorTypeTimeout:
		kind = ipc.RespTimeout
	}
	return ipc.Response{Kind: kind, Reason: err.Error()}
}
