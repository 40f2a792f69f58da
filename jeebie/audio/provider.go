package audio

type Provider interface {
	// GetSamples retrieves audio samples for playback
	GetSamples(count int) []int16

	// SetHostSampleRate reconfigures the resampler to the playback device's
	// negotiated sample rate, in case it differs from the requested one.
	SetHostSampleRate(rate int)

	// Audio debugging controls

	ToggleChannel(channel int)
	SoloChannel(channel int)
	GetChannelStatus() (ch1, ch2, ch3, ch4 bool)
}

var _ Provider = (*APU)(nil)
