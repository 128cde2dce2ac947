package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/puppysense/internal/utils" // Using the SafeCommand wrapper
	"github.com/cockroachdb/errors"
)

// Request opcodes understood by the model runner.
const (
	OpDescribe byte = 0
	OpInfer    byte = 1
)

// Response status bytes.
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

// ErrWorkerDead is returned once a runner has crashed or been killed on timeout.
var ErrWorkerDead = errors.New("model runner is not running")

// InputShape is the fixed input resolution a graph model expects.
type InputShape struct {
	Height, Width, Channels int
}

// Tensor is a dense HWC float32 tensor.
type Tensor struct {
	Shape InputShape
	Data  []float32
}

// Output is the runner's combined detection tensor: Rows x Stride values.
type Output struct {
	Rows   int
	Stride int
	Data   []float32
}

// Row returns the i-th output row.
func (o Output) Row(i int) []float32 {
	return o.Data[i*o.Stride : (i+1)*o.Stride]
}

// ModelWorker is a long-lived model-runner process. Frames go in on stdin,
// results come back on a dedicated fd 3 pipe so runner logs on stdout/stderr
// never corrupt the protocol.
type ModelWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu   sync.Mutex
	dead bool
}

// NewModelWorker starts the runner command. It does not wait for the model to load; call Describe for that.
func NewModelWorker(id int, name string, args ...string) (*ModelWorker, error) {
	runner := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	runner.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := runner.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := runner.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ModelWorker{
		ID:       id,
		Cmd:      runner,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [Length uint32 BE][Data]
func (w *ModelWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a runner that died on import
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call serialises requests and enforces ctx. Pipes have no deadlines, so a
// timed-out runner is killed and the worker is marked dead.
func (w *ModelWorker) call(ctx context.Context, req []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return nil, ErrWorkerDead
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(req)
		done <- reply{body, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.dead = true
			return nil, errors.Wrapf(r.err, "worker %d protocol failure", w.ID)
		}
		return decodeStatus(r.body)
	case <-ctx.Done():
		w.dead = true
		w.kill()
		return nil, ctx.Err()
	}
}

// decodeStatus strips the status byte. Error payload: [MsgLen uint32][Msg]
func decodeStatus(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, errors.New("empty response from model runner")
	}
	switch body[0] {
	case StatusOK:
		return body[1:], nil
	case StatusError:
		rd := bytes.NewReader(body[1:])
		var n uint32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
			return nil, errors.Wrap(err, "malformed error response")
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, errors.Wrap(err, "malformed error response")
		}
		return nil, errors.Newf("model runner error: %s", msg)
	default:
		return nil, errors.Newf("unknown status byte %d", body[0])
	}
}

// Describe asks the runner for its model's input shape. The runner answers
// only after its weights are loaded, so this doubles as the readiness check.
func (w *ModelWorker) Describe(ctx context.Context) (InputShape, error) {
	body, err := w.call(ctx, []byte{OpDescribe})
	if err != nil {
		return InputShape{}, err
	}
	var dims [3]uint32
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &dims); err != nil {
		return InputShape{}, errors.Wrap(err, "malformed describe response")
	}
	return InputShape{Height: int(dims[0]), Width: int(dims[1]), Channels: int(dims[2])}, nil
}

// Infer runs one tensor through the model.
// Request:  [OpInfer][H][W][C][H*W*C float32]
// Response: [Rows][Stride][Rows*Stride float32]
func (w *ModelWorker) Infer(ctx context.Context, t Tensor) (Output, error) {
	want := t.Shape.Height * t.Shape.Width * t.Shape.Channels
	if want != len(t.Data) {
		return Output{}, errors.Newf("tensor shape %v does not match %d values", t.Shape, len(t.Data))
	}

	req := bytes.NewBuffer(make([]byte, 0, 13+4*len(t.Data)))
	req.WriteByte(OpInfer)
	binary.Write(req, binary.BigEndian, [3]uint32{uint32(t.Shape.Height), uint32(t.Shape.Width), uint32(t.Shape.Channels)})
	binary.Write(req, binary.BigEndian, t.Data)

	body, err := w.call(ctx, req.Bytes())
	if err != nil {
		return Output{}, err
	}

	rd := bytes.NewReader(body)
	var hdr [2]uint32
	if err := binary.Read(rd, binary.BigEndian, &hdr); err != nil {
		return Output{}, errors.Wrap(err, "malformed infer response")
	}
	out := Output{Rows: int(hdr[0]), Stride: int(hdr[1])}
	if out.Rows > 0 && out.Stride == 0 {
		return Output{}, errors.New("malformed infer response: zero stride")
	}
	if rd.Len() != 4*out.Rows*out.Stride {
		return Output{}, errors.Newf("malformed infer response: %d bytes for %dx%d tensor", rd.Len(), out.Rows, out.Stride)
	}
	out.Data = make([]float32, out.Rows*out.Stride)
	if err := binary.Read(rd, binary.BigEndian, out.Data); err != nil {
		return Output{}, errors.Wrap(err, "malformed infer response")
	}
	return out, nil
}

// Alive reports whether the runner can still take requests. A worker that hit
// a protocol failure or was killed on timeout never recovers.
func (w *ModelWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

func (w *ModelWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

// Close shuts the runner down and waits for it to exit.
func (w *ModelWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if err != nil && w.dead {
		// Killed on timeout; the exit error is expected.
		return nil
	}
	return err
}
