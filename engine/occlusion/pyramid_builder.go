package occlusion

// PyramidBuilderOption is a functional option for configuring a Pyramid via NewPyramid.
type PyramidBuilderOption func(*pyramidImpl)

// WithLabel is an option builder that sets the texture debug label.
//
// Parameters:
//   - label: the label
//
// Returns:
//   - PyramidBuilderOption: a function that applies the label
func WithLabel(label string) PyramidBuilderOption {
	return func(p *pyramidImpl) {
		p.label = label
	}
}

// WithReversedZ is an option builder that selects the reversed-Z convention: min reduction and
// a safe value of 0.
//
// Parameters:
//   - reversed: whether depth is reversed
//
// Returns:
//   - PyramidBuilderOption: a function that applies the convention
func WithReversedZ(reversed bool) PyramidBuilderOption {
	return func(p *pyramidImpl) {
		p.reversedZ = reversed
	}
}

// WithStereo is an option builder that makes Build combine depth layers 0 and 1.
//
// Parameters:
//   - stereo: whether the depth source has two eye layers
//
// Returns:
//   - PyramidBuilderOption: a function that applies the layout
func WithStereo(stereo bool) PyramidBuilderOption {
	return func(p *pyramidImpl) {
		p.stereo = stereo
	}
}
