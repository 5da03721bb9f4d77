package assist

// ModelSpec identifies a model and declares what it can do, so callers never
// infer capabilities from naming conventions.
type ModelSpec struct {
	ID string `yaml:"id"`
	// SupportsSampling is false for models that reject temperature, top_p
	// and the penalty parameters.
	SupportsSampling bool `yaml:"supports_sampling"`
	SupportsVision   bool `yaml:"supports_vision"`
	// Heavy marks slower, more capable models that get a larger output
	// ceiling.
	Heavy bool `yaml:"heavy"`
}

// String returns the model ID.
func (m ModelSpec) String() string { return m.ID }

// Models is the set of models used by a reply pipeline.
type Models struct {
	// Preview is the cheap model used for the liveness preview and for
	// degraded escalation.
	Preview ModelSpec
	// Full produces the authoritative reply.
	Full ModelSpec
	// Vision replaces both Preview and Full when the request carries images.
	Vision ModelSpec
}

// Select returns the preview and full models for msgs. Any image in the
// conversation routes both to the vision model.
func (m Models) Select(msgs []Message) (preview, full ModelSpec) {
	if HasImage(msgs) && m.Vision.ID != "" {
		return m.Vision, m.Vision
	}
	return m.Preview, m.Full
}
