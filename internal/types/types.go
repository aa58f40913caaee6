package types

// RawFrame is a downsampled RGBA capture handed from the sampler to the worker.
// Pix is interleaved 8-bit RGBA, len(Pix) == Width*Height*4.
type RawFrame struct {
	Seq    uint64 // Render tick the frame was captured on
	Width  int
	Height int
	Pix    []byte
}

// Take moves the frame out of f. The caller keeps an empty frame and must not
// touch the old pixel buffer again; the returned value is the only owner.
func (f *RawFrame) Take() RawFrame {
	out := *f
	*f = RawFrame{}
	return out
}

// DepthMap is a single-channel float depth map in row-major order.
type DepthMap struct {
	Seq    uint64 // Seq of the RawFrame it was inferred from
	Width  int
	Height int
	Data   []float32
}

// Take moves the depth map out of d, leaving d empty.
func (d *DepthMap) Take() DepthMap {
	out := *d
	*d = DepthMap{}
	return out
}

// Request is a message sent to the inference worker.
type Request interface {
	isRequest()
}

// InitRequest asks the worker to load its session.
type InitRequest struct {
	ModelPath string
	InputSize [2]int // [W, H]
}

// InferRequest carries an owned frame to the worker.
type InferRequest struct {
	Frame RawFrame
}

func (InitRequest) isRequest()  {}
func (InferRequest) isRequest() {}

// Reply is a message published by the inference worker.
type Reply interface {
	isReply()
}

// ReadyReply reports a successful init.
type ReadyReply struct{}

// DepthReply carries an owned normalized depth map.
type DepthReply struct {
	Depth DepthMap
}

// ErrorReply reports an init or inference failure.
type ErrorReply struct {
	Msg string
	Err error // Underlying error, nil when only a message is available
}

func (ReadyReply) isReply() {}
func (DepthReply) isReply() {}
func (ErrorReply) isReply() {}
