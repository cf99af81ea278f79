// Package ipc implements the daemon's control-plane wire protocol: a
// Unix-domain socket carrying 4-byte little-endian length-prefixed JSON
// frames, one request per frame, one or more response frames per
// request (a plain response, or an event/log stream terminated by an
// end marker).
package ipc

import (
	"encoding/json"

	"github.com/oxidekit/oxidepm/pkg/spec"
)

// RequestKind names the operation carried by a Request frame.
type RequestKind string

const (
	ReqPing      RequestKind = "ping"
	ReqRegister  RequestKind = "register"
	ReqList      RequestKind = "list"
	ReqShow      RequestKind = "show"
	ReqSignal    RequestKind = "signal"
	ReqLogs      RequestKind = "logs"
	ReqSubscribe RequestKind = "subscribe"
	ReqSave      RequestKind = "save"
	ReqResurrect RequestKind = "resurrect"
	ReqShutdown  RequestKind = "shutdown"
)

// SignalOp names the operation carried by a Signal request, matching
// spec.md's signal(selector, op) surface.
type SignalOp string

const (
	SignalStart     SignalOp = "start"
	SignalStop      SignalOp = "stop"
	SignalRestart   SignalOp = "restart"
	SignalReload    SignalOp = "reload"
	SignalDelete    SignalOp = "delete"
	SignalFlushLogs SignalOp = "flush-logs"
)

// Request is the envelope sent from client to daemon. Only the fields
// relevant to Kind are populated.
type Request struct {
	Kind RequestKind `json:"kind"`

	Spec     *spec.ProcessSpec `json:"spec,omitempty"`
	Selector string            `json:"selector,omitempty"`
	Op       SignalOp          `json:"op,omitempty"`

	LogLines  int  `json:"log_lines,omitempty"`
	LogFollow bool `json:"log_follow,omitempty"`
	LogGrep   string `json:"log_grep,omitempty"`

	EventKinds []string `json:"event_kinds,omitempty"`
}

// ResponseKind names the outcome carried by a Response frame.
type ResponseKind string

const (
	RespOk           ResponseKind = "ok"
	RespNotFound     ResponseKind = "not_found"
	RespAlreadyExists ResponseKind = "already_exists"
	RespInvalidSpec  ResponseKind = "invalid_spec"
	RespBusy         ResponseKind = "busy"
	RespTimeout      ResponseKind = "timeout"
	RespInternal     ResponseKind = "internal"

	// RespLogLine and RespEvent are intermediate frames in a streaming
	// response; RespStreamEnd terminates the stream.
	RespLogLine    ResponseKind = "log_line"
	RespEvent      ResponseKind = "event"
	RespStreamEnd  ResponseKind = "stream_end"
)

// Response is the envelope sent from daemon to client.
type Response struct {
	Kind   ResponseKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`

	Summaries []spec.Summary `json:"summaries,omitempty"`

	LogStream string `json:"log_stream,omitempty"`
	LogText   string `json:"log_text,omitempty"`
	LogGap    bool   `json:"log_gap,omitempty"`

	Event *EventPayload `json:"event,omitempty"`
}

// EventPayload mirrors supervisor.Event over the wire without pulling
// the supervisor package's types into the protocol.
type EventPayload struct {
	ID        uint64                 `json:"id"`
	Kind      string                 `json:"kind"`
	Timestamp string                 `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func errorResponse(kind ResponseKind, reason string) Response {
	return Response{Kind: kind, Reason: reason}
}

// MarshalRequest / MarshalResponse exist mainly to keep the JSON tag
// concerns local to this package's callers.
func MarshalRequest(r Request) ([]byte, error)   { return json.Marshal(r) }
func UnmarshalRequest(b []byte) (Request, error) { var r Request; err := json.Unmarshal(b, &r); return r, err }

func MarshalResponse(r Response) ([]byte, error)   { return json.Marshal(r) }
func UnmarshalResponse(b []byte) (Response, error) { var r Response; err := json.Unmarshal(b, &r); return r, err }

// ExitCode maps a terminal response kind to the CLI exit code named in
// spec.md §6.2: 0 ok, 1 user error, 2 daemon/operational error.
func ExitCode(k ResponseKind) int {
	switch k {
	case RespOk:
		return 0
	case RespNotFound, RespInvalidSpec, RespAlreadyExists:
		return 1
	default:
		return 2
	}
}
