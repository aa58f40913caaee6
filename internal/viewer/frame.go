package viewer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/andresmejia3/parallax/internal/sink"
)

// HeaderSize is the fixed prefix of a depth frame:
// width, height, channels (u32), depthScale (f32), version (u64).
const HeaderSize = 24

const scaleOffset = 12

// Frame is a decoded depth frame as sent on /depth.
type Frame struct {
	Width      int
	Height     int
	Channels   int
	DepthScale float32
	Version    uint64
	Data       []float32
}

// EncodeFrame serializes buf little-endian.
func EncodeFrame(buf *sink.Buffer, depthScale float64) []byte {
	data := buf.Data()
	out := make([]byte, HeaderSize+4*len(data))
	le := binary.LittleEndian
	le.PutUint32(out[0:], uint32(buf.Width()))
	le.PutUint32(out[4:], uint32(buf.Height()))
	le.PutUint32(out[8:], uint32(buf.Layout().Channels()))
	le.PutUint32(out[scaleOffset:], math.Float32bits(float32(depthScale)))
	le.PutUint64(out[16:], buf.Version())
	for i, v := range data {
		le.PutUint32(out[HeaderSize+4*i:], math.Float32bits(v))
	}
	return out
}

// withScale returns a copy of an encoded frame carrying a new depthScale.
func withScale(frame []byte, depthScale float64) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	binary.LittleEndian.PutUint32(out[scaleOffset:], math.Float32bits(float32(depthScale)))
	return out
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("depth frame too short: %d bytes", len(b))
	}
	le := binary.LittleEndian
	f := Frame{
		Width:      int(le.Uint32(b[0:])),
		Height:     int(le.Uint32(b[4:])),
		Channels:   int(le.Uint32(b[8:])),
		DepthScale: math.Float32frombits(le.Uint32(b[scaleOffset:])),
		Version:    le.Uint64(b[16:]),
	}
	n := f.Width * f.Height * f.Channels
	if len(b)-HeaderSize != 4*n {
		return Frame{}, fmt.Errorf("depth frame payload is %d bytes, want %d", len(b)-HeaderSize, 4*n)
	}
	f.Data = make([]float32, n)
	for i := range f.Data {
		f.Data[i] = math.Float32frombits(le.Uint32(b[HeaderSize+4*i:]))
	}
	return f, nil
}
