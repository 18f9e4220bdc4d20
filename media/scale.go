// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

// Scale resamples a BGRA frame to target with nearest-neighbour
// sampling. A frame already at target is returned unchanged.
func Scale(frame Frame, target Dimensions) Frame {
	if frame.Dimensions == target || !target.Valid() || !frame.Dimensions.Valid() {
		return frame
	}
	const stride = 4
	source, sourceWidth, sourceHeight := frame.Payload, frame.Dimensions.Width, frame.Dimensions.Height
	out := make([]byte, target.Pixels()*stride)

	columns := make([]int, target.Width)
	for x := range columns {
		columns[x] = x * sourceWidth / target.Width * stride
	}
	for y := 0; y < target.Height; y++ {
		sourceRow := source[(y*sourceHeight/target.Height)*sourceWidth*stride:]
		row := out[y*target.Width*stride : (y+1)*target.Width*stride]
		for x, offset := range columns {
			copy(row[x*stride:x*stride+stride], sourceRow[offset:offset+stride])
		}
	}
	frame.Payload = out
	frame.Dimensions = target
	return frame
}
