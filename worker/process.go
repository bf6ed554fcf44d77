package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mrjvadi/crew"
	"github.com/mrjvadi/crew/codec"
)

// ChildEnv در پروسه‌ی فرزند ProcessExecutor برابر "1" است.
const ChildEnv = "CREW_WORKER_CHILD"

func IsChild() bool { return os.Getenv(ChildEnv) == "1" }

// frames قالب stdin/stdout بین ورکر و فرزند.
var frames = func() codec.Codec {
	c, err := codec.CBOR()
	if err != nil {
		panic(err)
	}
	return c
}()

type childResult struct {
	Body  []byte          `cbor:"body,omitempty"`
	Error *crew.WireError `cbor:"error,omitempty"`
}

// ProcessExecutor هر تسک را در یک پروسه‌ی تازه از همین باینری اجرا
// می‌کند و با رسیدن ددلاین آن را SIGKILL می‌کند (Killed=true). باینری
// باید در حالت IsChild به جای اجرای ورکر App.ServeChild را صدا بزند؛
// Main این کار را می‌کند.
type ProcessExecutor struct {
	Path      string
	Args      []string
	Env       []string
	WaitDelay time.Duration
}

// NewProcessExecutor باینری فعلی را با args اجرا می‌کند.
func NewProcessExecutor(args ...string) (*ProcessExecutor, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("worker: locate executable: %w", err)
	}
	return &ProcessExecutor{Path: path, Args: args, WaitDelay: time.Second}, nil
}

func (p *ProcessExecutor) Execute(ctx context.Context, _ Invoker, t *Task) ([]byte, error) {
	in, err := frames.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("worker: frame task: %w", err)
	}

	ctx, cancel := context.WithDeadline(ctx, t.Deadline)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Env = append(append(os.Environ(), ChildEnv+"=1"), p.Env...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = p.WaitDelay

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &crew.TimeoutError{Timeout: t.TTL, Killed: true}
		}
		return nil, &crew.HandlerError{Kind: "ProcessError", Message: err.Error()}
	}

	var res childResult
	if err := frames.Unmarshal(out.Bytes(), &res); err != nil {
		return nil, &crew.HandlerError{Kind: "ProcessError", Message: "bad child output: " + err.Error()}
	}
	if res.Error != nil {
		return nil, res.Error.Err()
	}
	return res.Body, nil
}

// ServeChild سمت فرزند: یک Task از r می‌خواند، اجرا می‌کند و نتیجه را در w می‌نویسد.
func (a *App) ServeChild(r io.Reader, w io.Writer) error {
	in, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var t Task
	if err := frames.Unmarshal(in, &t); err != nil {
		return fmt.Errorf("worker: read task frame: %w", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), t.Deadline)
	defer cancel()
	body, runErr := a.invoke(ctx, &t)

	out, err := frames.Marshal(childResult{Body: body, Error: crew.ToWire(runErr)})
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
