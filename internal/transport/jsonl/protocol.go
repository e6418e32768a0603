// Package jsonl carries engine requests as newline-delimited JSON over any
// byte stream, typically an engine subprocess's stdin and stdout.
//
// Every request is one line:
//
//	{"id": 7, "verb": "runStep", "params": {"time_step": 10000000}}
//
// and is answered by one line with the same id:
//
//	{"id": 7, "ok": true, "result": {"engine_time": 70000000}}
//	{"id": 7, "ok": false, "error": "engine crashed"}
//
// The shutdown verb is never answered.
package jsonl

import (
	"bytes"
	"encoding/json"
)

// Protocol verbs.
const (
	VerbInitialize           = "initialize"
	VerbRunStep              = "runStep"
	VerbGetDeviceInformation = "getDeviceInformation"
	VerbHandleDeviceData     = "handleDeviceData"
	VerbShutdown             = "shutdown"
)

// maxLine bounds a single message; device batches with images can be large.
const maxLine = 64 << 20

type request struct {
	ID     int64           `json:"id"`
	Verb   string          `json:"verb"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type initializeParams struct {
	Config json.RawMessage `json:"config"`
}

type initializeResult struct {
	Initialized bool `json:"initialized"`
}

type runStepParams struct {
	TimeStep int64 `json:"time_step"`
}

type runStepResult struct {
	EngineTime int64 `json:"engine_time"`
}

type getDevicesParams struct {
	Devices json.RawMessage `json:"devices"`
}

type devicesPayload struct {
	Devices json.RawMessage `json:"devices"`
}

// marshal encodes one line. HTML escaping is off so embedded device batches
// reach the other side byte for byte.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
