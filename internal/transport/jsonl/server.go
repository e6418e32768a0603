package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vk/lockstep/internal/codec/jsoncodec"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
)

// Serve answers requests read from r by calling impl, writing responses to
// w. Requests are handled one at a time in arrival order. It returns nil
// after a shutdown request or when r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, impl engine.Transport, catalog *device.Catalog) error {
	logger := ctxlog.FromContext(ctx)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	bw := bufio.NewWriter(w)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			logger.Warn("Ignoring malformed request.", "error", err)
			continue
		}
		logger.Debug("Handling request.", "id", req.ID, "verb", req.Verb)

		if req.Verb == VerbShutdown {
			return impl.Shutdown(ctx)
		}

		result, err := dispatch(ctx, impl, catalog, req)
		resp := response{ID: req.ID, OK: err == nil}
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			raw, mErr := marshal(result)
			if mErr != nil {
				resp = response{ID: req.ID, Error: mErr.Error()}
			} else {
				resp.Result = raw
			}
		}
		line, err := marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response %d: %w", req.ID, err)
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func dispatch(ctx context.Context, impl engine.Transport, catalog *device.Catalog, req request) (any, error) {
	switch req.Verb {
	case VerbInitialize:
		var p initializeParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		if err := impl.Initialize(ctx, p.Config); err != nil {
			return nil, err
		}
		return initializeResult{Initialized: true}, nil

	case VerbRunStep:
		var p runStepParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		now, err := impl.RunStep(ctx, time.Duration(p.TimeStep))
		if err != nil {
			return nil, err
		}
		return runStepResult{EngineTime: int64(now)}, nil

	case VerbGetDeviceInformation:
		var p getDevicesParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		ids, err := jsoncodec.DecodeIdentifiers(p.Devices)
		if err != nil {
			return nil, err
		}
		devices, err := impl.GetDevices(ctx, ids)
		if err != nil {
			return nil, err
		}
		data, err := jsoncodec.Encode(devices)
		if err != nil {
			return nil, err
		}
		return devicesPayload{Devices: data}, nil

	case VerbHandleDeviceData:
		var p devicesPayload
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		devices, err := jsoncodec.Decode(p.Devices, catalog)
		if err != nil {
			return nil, err
		}
		if err := impl.SetDevices(ctx, devices); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}
	return nil, fmt.Errorf("unknown verb %q", req.Verb)
}

func unmarshalParams(req request, out any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("%s: missing params", req.Verb)
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return fmt.Errorf("%s: %w", req.Verb, err)
	}
	return nil
}
