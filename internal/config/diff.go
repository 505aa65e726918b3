package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running process; every other changed field is listed
// in RestartRequired by its YAML path.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the YAML paths of changed settings that only take
	// effect after a restart (e.g. "audio.sample_rate").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	changed := func(path string, differs bool) {
		if differs {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	changed("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)

	oa, na := old.Audio, new.Audio
	changed("audio.backend", oa.Backend != na.Backend)
	changed("audio.record_device", oa.RecordDevice != na.RecordDevice)
	changed("audio.playback_device", oa.PlaybackDevice != na.PlaybackDevice)
	changed("audio.sample_rate", oa.SampleRate != na.SampleRate)
	changed("audio.block_size", oa.BlockSize != na.BlockSize)
	changed("audio.silence_block_size", oa.SilenceBlockSize != na.SilenceBlockSize)
	changed("audio.pipe.capture_command", !slices.Equal(oa.Pipe.CaptureCommand, na.Pipe.CaptureCommand))
	changed("audio.pipe.playback_command", !slices.Equal(oa.Pipe.PlaybackCommand, na.Pipe.PlaybackCommand))

	changed("detection.threshold", old.Detection.Threshold != new.Detection.Threshold)
	changed("detection.hysteresis", old.Detection.Hysteresis != new.Detection.Hysteresis)

	changed("buffer.max_record_frames", old.Buffer.MaxRecordFrames != new.Buffer.MaxRecordFrames)
	changed("buffer.max_playback_frames", old.Buffer.MaxPlaybackFrames != new.Buffer.MaxPlaybackFrames)
	changed("buffer.liveness_timeout", old.Buffer.LivenessTimeout != new.Buffer.LivenessTimeout)

	return d
}
