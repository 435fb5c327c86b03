package supervisor

import "strconv"

// LaunchSpec holds the launch parameters for one inference server instance.
// Immutable once built; nil optional fields mean the flag is omitted and the
// server default applies.
type LaunchSpec struct {
	ServerPath string
	Host       string
	Port       int
	CtxSize    int

	Threads       *int
	GPULayers     *int
	BatchSize     *int
	Parallel      *int
	Seed          *int
	RopeFreqBase  *float64
	RopeFreqScale *float64

	Jinja       bool
	CachePrompt bool
	FlashAttn   bool
}

// ArtifactRef points at the resolved model weights and the optional projector
// artifact. Both must exist as regular files before launch is attempted.
type ArtifactRef struct {
	ModelPath     string
	ProjectorPath string
}

// BuildArgs derives the server argument list from a launch spec and artifact
// ref. Required flags are always present; optional knobs appear only when
// set. flashAttnValued selects the modern valued flag syntax over the legacy
// bare switch.
func BuildArgs(spec LaunchSpec, ref ArtifactRef, flashAttnValued bool) []string {
	args := []string{
		"-m", ref.ModelPath,
		"--host", spec.Host,
		"--port", strconv.Itoa(spec.Port),
		"-c", strconv.Itoa(spec.CtxSize),
	}
	if ref.ProjectorPath != "" {
		args = append(args, "--mmproj", ref.ProjectorPath)
	}
	if spec.Threads != nil {
		args = append(args, "-t", strconv.Itoa(*spec.Threads))
	}
	if spec.GPULayers != nil {
		args = append(args, "-ngl", strconv.Itoa(*spec.GPULayers))
	}
	if spec.BatchSize != nil {
		args = append(args, "-b", strconv.Itoa(*spec.BatchSize))
	}
	if spec.Parallel != nil {
		args = append(args, "-np", strconv.Itoa(*spec.Parallel))
	}
	if spec.Seed != nil {
		args = append(args, "--seed", strconv.Itoa(*spec.Seed))
	}
	if spec.RopeFreqBase != nil {
		args = append(args, "--rope-freq-base", strconv.FormatFloat(*spec.RopeFreqBase, 'f', -1, 64))
	}
	if spec.RopeFreqScale != nil {
		args = append(args, "--rope-freq-scale", strconv.FormatFloat(*spec.RopeFreqScale, 'f', -1, 64))
	}
	if spec.Jinja {
		args = append(args, "--jinja")
	} else {
		args = append(args, "--no-jinja")
	}
	if spec.CachePrompt {
		args = append(args, "--cache-prompt")
	} else {
		args = append(args, "--no-cache-prompt")
	}
	switch {
	case flashAttnValued && spec.FlashAttn:
		args = append(args, "--flash-attn", "on")
	case flashAttnValued:
		args = append(args, "--flash-attn", "off")
	case spec.FlashAttn:
		// Legacy servers only understand the bare switch.
		args = append(args, "--flash-attn")
	}
	return args
}
