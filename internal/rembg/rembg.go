package rembg

import "context"

// Result holds the cutout produced by the removal model. The model returns a
// PNG with the background pixels turned transparent.
type Result struct {
	PNG []byte
}

// Remover is the boundary to the external background-removal model. Calls are
// synchronous and possibly slow; the model is treated as opaque.
type Remover interface {
	Remove(ctx context.Context, imageBytes []byte) (*Result, error)
}
