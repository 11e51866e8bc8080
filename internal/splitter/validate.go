package splitter

// Warning is a non-fatal emission-validation finding. Suspect chunks are
// never dropped, only reported.
type Warning struct {
	ChunkIndex int
	Reason     string
}

// Validate reports chunks that are empty, under MinChunkSize, or over 3x
// DefaultChunkSize. It never filters the input; callers keep every chunk
// regardless of warnings.
func Validate(chunks []Chunk, opt Options) []Warning {
	opt = opt.withDefaults()
	var warnings []Warning
	for i, c := range chunks {
		switch {
		case len(c.Text) == 0:
			warnings = append(warnings, Warning{ChunkIndex: i, Reason: "empty chunk"})
		case len(c.Text) < opt.MinChunkSize:
			warnings = append(warnings, Warning{ChunkIndex: i, Reason: "chunk below minimum size"})
		case len(c.Text) > 3*opt.DefaultChunkSize:
			warnings = append(warnings, Warning{ChunkIndex: i, Reason: "chunk over 3x target size"})
		}
	}
	return warnings
}
