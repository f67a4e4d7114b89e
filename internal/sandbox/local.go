package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// driver is the in-process evaluator harness: it reads {code, locals} as
// JSON on stdin, executes the program with the locals in scope, and writes
// {success, output, variables, error, stack_trace} as JSON on stdout.
// Variables that do not survive JSON encoding are reported by repr instead
// of being dropped silently.
const driver = `
import base64, io, json, sys, traceback

payload = json.load(sys.stdin)
variables = dict(payload.get("variables") or {})
images = {name: base64.b64decode(encoded) for name, encoded in (payload.get("images") or {}).items()}
scope = dict(variables)
scope["input_variables"] = variables
scope["input_images"] = images

buf = io.StringIO()
out = {"success": True, "output": "", "variables": {}, "error": "", "stack_trace": ""}
real_stdout = sys.stdout
sys.stdout = buf
try:
    exec(payload["code"], scope)
except BaseException as exc:
    out["success"] = False
    out["error"] = f"{type(exc).__name__}: {exc}"
    out["stack_trace"] = traceback.format_exc()
finally:
    sys.stdout = real_stdout
out["output"] = buf.getvalue()
if out["success"]:
    for name in payload.get("wanted") or []:
        if name not in scope:
            continue
        value = scope[name]
        try:
            json.dumps(value)
            out["variables"][name] = value
        except (TypeError, ValueError):
            out["variables"][name] = repr(value)
json.dump(out, real_stdout)
`

// Local runs programs in a python3 subprocess on the same host. It provides
// isolation only at the process level and is intended for single-node
// deployments where the evaluator host is already trusted infrastructure.
type Local struct {
	// Python is the interpreter binary. Defaults to "python3".
	Python string

	// Timeout bounds one execution. Defaults to 30 seconds.
	Timeout time.Duration
}

var _ Sandbox = (*Local)(nil)

// NewLocal returns a Local sandbox with the given execution timeout.
func NewLocal(timeout time.Duration) *Local {
	return &Local{Python: "python3", Timeout: timeout}
}

// Execute runs code with locals in a subprocess, bounded by the configured
// timeout. A program failure is returned as Result{Success: false}; err is
// reserved for harness faults.
func (l *Local) Execute(ctx context.Context, code string, locals Locals) (*Result, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	python := l.Python
	if python == "" {
		python = "python3"
	}

	input, err := json.Marshal(map[string]any{
		"code":      code,
		"variables": locals.Variables,
		"images":    locals.Images,
		"wanted":    locals.Wanted,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode locals: %w", err)
	}

	cmd := exec.CommandContext(ctx, python, "-c", driver)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{
				Success: false,
				Error:   fmt.Sprintf("TimeoutError: execution exceeded %s", timeout),
			}, nil
		}
		return nil, fmt.Errorf("sandbox: run interpreter: %w (stderr: %s)", err, stderr.String())
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("sandbox: decode result: %w", err)
	}
	return &res, nil
}

// UnmarshalJSON maps the driver's snake_case fields onto Result.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success    bool           `json:"success"`
		Output     string         `json:"output"`
		Variables  map[string]any `json:"variables"`
		Error      string         `json:"error"`
		StackTrace string         `json:"stack_trace"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{
		Success:    raw.Success,
		Output:     raw.Output,
		Variables:  raw.Variables,
		Error:      raw.Error,
		StackTrace: raw.StackTrace,
	}
	return nil
}
