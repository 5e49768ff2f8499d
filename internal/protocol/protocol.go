// Package protocol defines the eth-proxy flavour of Stratum JSON-RPC used on
// both sides of the relay: requests originated by workers, requests the relay
// sends upstream under its own fixed ids, and the tagged union of everything a
// pool can send back.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Fixed RPC ids for requests originated by the relay itself. Pool replies
// carrying one of these ids answer a request the relay sent; they are matched
// against them right after the outstanding-submissions lookup.
const (
	ClientLogin       int64 = 499
	ClientGetWork     int64 = 599
	ClientSubHashrate int64 = 699
	ClientSubscribe   int64 = 799
)

// Worker-originated methods the relay recognizes.
const (
	MethodSubmitLogin    = "eth_submitLogin"
	MethodSubmitWork     = "eth_submitWork"
	MethodSubmitHashrate = "eth_submitHashrate"
	MethodGetWork        = "eth_getWork"
	MethodSubscribe      = "mining.subscribe"
)

// Request is a client-side JSON-RPC request. The optional worker field is the
// claymore-style worker name extension carried next to params.
type Request struct {
	ID      int64    `json:"id"`
	JSONRPC string   `json:"jsonrpc,omitempty"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
	Worker  string   `json:"worker,omitempty"`
}

// ParseRequest parses one worker line. Method is mandatory; everything else is
// whatever the miner put there.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("parse request: method field is required")
	}
	return &req, nil
}

// Marshal serializes the request back to one wire line (without terminator).
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Response is the ack shape the relay emits toward workers.
type Response struct {
	ID      int64  `json:"id"`
	JSONRPC string `json:"jsonrpc,omitempty"`
	Result  bool   `json:"result"`
}

// ErrorBody is the nested error object of pool error replies.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MessageKind tags the pool-message union.
type MessageKind int

const (
	// KindAck is a result-with-id boolean reply: login/hashrate/getwork acks
	// and share accept/reject verdicts.
	KindAck MessageKind = iota
	// KindJob is a work notification whose result array starts with a job id.
	KindJob
	// KindError is a reply carrying a nested error object.
	KindError
)

// PoolMessage is one parsed upstream line. Exactly one parse decision is made
// per line; the Kind discriminates which fields are meaningful.
type PoolMessage struct {
	Kind    MessageKind
	ID      int64
	JSONRPC string
	Result  bool     // KindAck
	Job     []string // KindJob: [job_id, seedhash, target, ...]
	Height  uint64   // KindJob, 0 when the pool sent none
	Err     *ErrorBody

	raw json.RawMessage
}

// envelope is the single decode pass over an upstream line.
type envelope struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorBody      `json:"error,omitempty"`
	Height  uint64          `json:"height,omitempty"`
	H       uint64          `json:"h,omitempty"`
}

// ParsePoolMessage decodes one upstream line into the tagged union. Unknown
// shapes come back as an error so the caller can log and pass the raw line
// through untouched.
func ParsePoolMessage(data []byte) (*PoolMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse pool message: %w", err)
	}

	msg := &PoolMessage{
		ID:      env.ID,
		JSONRPC: env.JSONRPC,
		raw:     append(json.RawMessage(nil), data...),
	}

	if env.Error != nil {
		msg.Kind = KindError
		msg.Err = env.Error
		return msg, nil
	}
	if len(env.Result) == 0 {
		return nil, fmt.Errorf("parse pool message: no result and no error")
	}

	var ok bool
	if err := json.Unmarshal(env.Result, &ok); err == nil {
		msg.Kind = KindAck
		msg.Result = ok
		return msg, nil
	}

	var job []string
	if err := json.Unmarshal(env.Result, &job); err == nil && len(job) > 0 {
		msg.Kind = KindJob
		msg.Job = job
		msg.Height = env.Height
		if msg.Height == 0 {
			msg.Height = env.H
		}
		return msg, nil
	}

	return nil, fmt.Errorf("parse pool message: unrecognized result shape")
}

// JobID returns the pool-assigned job identifier, empty for non-job messages.
func (m *PoolMessage) JobID() string {
	if m.Kind != KindJob || len(m.Job) == 0 {
		return ""
	}
	return m.Job[0]
}

// Diff returns the difficulty/height tag of a job message, 0 if untagged.
func (m *PoolMessage) Diff() uint64 {
	if m.Kind != KindJob {
		return 0
	}
	return m.Height
}

// MarshalForWorker re-serializes a job message with the id the worker expects.
// Ack and error messages are rebuilt from their fields; job messages keep
// every field the pool sent, with only the id replaced.
func (m *PoolMessage) MarshalForWorker(id int64) ([]byte, error) {
	switch m.Kind {
	case KindAck:
		return json.Marshal(&Response{ID: id, JSONRPC: m.JSONRPC, Result: m.Result})
	case KindError:
		return json.Marshal(&struct {
			ID      int64      `json:"id"`
			JSONRPC string     `json:"jsonrpc,omitempty"`
			Error   *ErrorBody `json:"error"`
		}{ID: id, JSONRPC: m.JSONRPC, Error: m.Err})
	default:
		// Patch the id in place so pool-specific extras (height, algo, ...)
		// survive the trip.
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(m.raw, &obj); err != nil {
			return nil, err
		}
		idRaw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		obj["id"] = idRaw
		return json.Marshal(obj)
	}
}
