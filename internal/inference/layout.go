package inference

import (
	"fmt"

	"github.com/andresmejia3/parallax/internal/types"
	"gorgonia.org/tensor"
)

// ToPlanar converts an interleaved RGBA frame into a (1,3,H,W) float32 tensor
// with values in [0,1]. The alpha channel is dropped.
func ToPlanar(frame types.RawFrame, width, height int) (*tensor.Dense, error) {
	if frame.Width != width || frame.Height != height {
		return nil, fmt.Errorf("%w: frame is %dx%d, session expects %dx%d",
			ErrFrameLayout, frame.Width, frame.Height, width, height)
	}
	plane := width * height
	if len(frame.Pix) != plane*4 {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameLayout, len(frame.Pix), plane*4)
	}

	chw := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		p := i * 4
		chw[i] = float32(frame.Pix[p]) / 255
		chw[plane+i] = float32(frame.Pix[p+1]) / 255
		chw[2*plane+i] = float32(frame.Pix[p+2]) / 255
	}
	return tensor.New(tensor.WithShape(1, 3, height, width), tensor.WithBacking(chw)), nil
}

// outputFloats extracts the flat float32 backing of a session output.
func outputFloats(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("session returned no output tensor")
	}
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("unsupported output dtype %v", t.Dtype())
	}
}
