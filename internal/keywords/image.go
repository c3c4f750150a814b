package keywords

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// Binarize decodes a PNG frame, converts it to 8-bit luminance and maps
// every pixel below threshold to black and the rest to white. The result is
// re-encoded as PNG for the OCR engine.
func Binarize(frame []byte, threshold uint8) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	src, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := color.GrayModel.Convert(src.At(x, y)).(color.Gray).Y
			if l < threshold {
				dst.SetGray(x, y, color.Gray{Y: 0})
			} else {
				dst.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}
