// Package worker hosts depth models in a Python subprocess.
//
// The process is the isolated execution context for ONNX inference. Requests
// go to its stdin and replies come back on a dedicated pipe (FD 3), both
// framed as [uint32 length][body] in big-endian order.
//
// Request bodies start with an opcode:
//
//	'L' load:  [u32 width][u32 height][u32 pathLen][path]
//	'I' infer: [u32 ndim][u32 dims...][float32 data...]
//
// Reply bodies start with a status byte:
//
//	0 ok:    empty for load; [u32 ndim][u32 dims...][float32 data...] for infer
//	1 error: [u32 msgLen][msg]
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"os/exec"

	"github.com/andresmejia3/parallax/internal/utils" // Using the SafeCommand wrapper
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	opLoad  byte = 'L'
	opInfer byte = 'I'

	statusOK    byte = 0
	statusError byte = 1

	// maxReplyBytes guards against a corrupted length header.
	maxReplyBytes = 256 << 20
)

// Config selects the interpreter and script that serve the model.
type Config struct {
	Python string // default "python3"
	Script string // default "python/depth_worker.py"
}

// PythonSession implements inference.Session on top of a Python process.
type PythonSession struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonSession starts the interpreter. A failure here means the execution
// context itself is unavailable.
func NewPythonSession(ctx context.Context, id int, cfg Config) (*PythonSession, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/depth_worker.py"
	}
	if _, err := exec.LookPath(cfg.Python); err != nil {
		return nil, errors.Wrapf(err, "python interpreter %q not found", cfg.Python)
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, errors.Wrap(err, "worker script unavailable")
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipe")
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, errors.Wrapf(err, "worker %d failed to start", id)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonSession{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Load asks the process to open modelPath for inputs of width x height.
func (s *PythonSession) Load(modelPath string, width, height int) error {
	body := new(bytes.Buffer)
	body.WriteByte(opLoad)
	binary.Write(body, binary.BigEndian, uint32(width))
	binary.Write(body, binary.BigEndian, uint32(height))
	binary.Write(body, binary.BigEndian, uint32(len(modelPath)))
	body.WriteString(modelPath)

	resp, err := s.Communicate(body.Bytes())
	if err != nil {
		return errors.Wrap(err, "load request failed")
	}
	_, err = readStatus(bytes.NewReader(resp))
	return err
}

// Run sends one input tensor and decodes the first output tensor.
func (s *PythonSession) Run(input *tensor.Dense) (*tensor.Dense, error) {
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unsupported input dtype %v", input.Dtype())
	}

	shape := input.Shape()
	body := new(bytes.Buffer)
	body.Grow(1 + 4*(1+len(shape)) + 4*len(data))
	body.WriteByte(opInfer)
	binary.Write(body, binary.BigEndian, uint32(len(shape)))
	for _, d := range shape {
		binary.Write(body, binary.BigEndian, uint32(d))
	}
	binary.Write(body, binary.BigEndian, data)

	resp, err := s.Communicate(body.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "infer request failed")
	}

	rd := bytes.NewReader(resp)
	if _, err := readStatus(rd); err != nil {
		return nil, err
	}
	return readTensor(rd)
}

// Communicate sends one framed request and reads one framed reply.
func (s *PythonSession) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(s.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := s.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result from the clean DataPipe
	header := make([]byte, 4)
	if _, err := io.ReadFull(s.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxReplyBytes {
		return nil, errors.Errorf("reply of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(s.DataPipe, respBody)
	return respBody, err
}

// Close shuts the pipes and waits for the interpreter to exit.
func (s *PythonSession) Close() error {
	if s.Stdin != nil {
		s.Stdin.Close()
	}
	if s.DataPipe != nil {
		s.DataPipe.Close()
	}
	if s.Cmd != nil {
		return s.Cmd.Wait()
	}
	return nil
}

func readStatus(r *bytes.Reader) (byte, error) {
	status, err := r.ReadByte()
	if err != nil {
		return 0, errors.Wrap(err, "empty reply")
	}
	switch status {
	case statusOK:
		return status, nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return status, errors.Wrap(err, "truncated error reply")
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return status, errors.Wrap(err, "truncated error reply")
		}
		return status, errors.Errorf("python worker error: %s", msg)
	default:
		return status, errors.Errorf("unknown reply status %d", status)
	}
}

func readTensor(r *bytes.Reader) (*tensor.Dense, error) {
	var ndim uint32
	if err := binary.Read(r, binary.BigEndian, &ndim); err != nil {
		return nil, errors.Wrap(err, "missing output rank")
	}
	if ndim == 0 || ndim > 8 {
		return nil, errors.Errorf("invalid output rank %d", ndim)
	}

	dims := make([]uint32, ndim)
	if err := binary.Read(r, binary.BigEndian, dims); err != nil {
		return nil, errors.Wrap(err, "truncated output shape")
	}
	shape := make([]int, ndim)
	size := 1
	for i, d := range dims {
		shape[i] = int(d)
		size *= int(d)
	}
	if size <= 0 || size > r.Len()/4 {
		return nil, errors.Errorf("output shape %v does not match %d payload bytes", shape, r.Len())
	}

	data := make([]float32, size)
	if err := binary.Read(r, binary.BigEndian, data); err != nil {
		return nil, errors.Wrap(err, "truncated output data")
	}
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			return nil, errors.New("model produced NaN")
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
