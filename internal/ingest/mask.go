package ingest

// MaskFunc rewrites user data before it is queued.
type MaskFunc func(data any) any

const MaskFailedPlaceholder = "<fully masked due to failed mask function>"

// ApplyMask runs mask over the input, output and metadata of body in place.
// A mask that panics replaces the field with MaskFailedPlaceholder so raw
// data never leaks past a broken mask.
func ApplyMask(body any, mask MaskFunc) {
	if mask == nil {
		return
	}
	switch b := body.(type) {
	case *TraceBody:
		b.Input = maskField(mask, b.Input)
		b.Output = maskField(mask, b.Output)
		b.Metadata = maskField(mask, b.Metadata)
	case *ObservationBody:
		b.Input = maskField(mask, b.Input)
		b.Output = maskField(mask, b.Output)
		b.Metadata = maskField(mask, b.Metadata)
	case *ScoreBody:
		b.Metadata = maskField(mask, b.Metadata)
	}
}

func maskField(mask MaskFunc, v any) (out any) {
	if v == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			out = MaskFailedPlaceholder
		}
	}()
	return mask(v)
}
