package clustercode

import (
	"fmt"
	"strings"
	"time"
)

// ClusterNode identifies a member of the cluster by its member name.
// The name is unique within the cluster and stable for the lifetime of the process.
type ClusterNode string

// String returns the member name.
func (n ClusterNode) String() string {
	return string(n)
}

// Media is a source file discovered by the scanner.
// Media values are immutable once created.
type Media struct {
	// SourcePath is the path of the source file relative to the input directory.
	SourcePath string `json:"sourcePath"`

	// Priority is the priority of the media; higher values are processed first.
	Priority int `json:"priority"`

	// Attributes holds discovered attributes such as container or codec.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Equal reports whether both values reference the same source file.
func (m Media) Equal(other Media) bool {
	return m.SourcePath == other.SourcePath
}

// IsZero reports whether the media has no source path.
func (m Media) IsZero() bool {
	return m.SourcePath == ""
}

// Profile is an encoding recipe selected once per Media.
type Profile struct {
	// Name is the human readable name of the profile.
	Name string `json:"name"`

	// Location is where the profile was loaded from.
	Location string `json:"location,omitempty"`

	// Extension is the output file extension including the leading dot, e.g. ".mkv".
	// Empty means the transcoder default extension is used.
	Extension string `json:"extension,omitempty"`

	// Arguments is the argument template passed to the transcoder.
	// The placeholders ${INPUT} and ${OUTPUT} are substituted before launch.
	Arguments []string `json:"arguments"`

	// Fields holds additional profile fields.
	Fields map[string]string `json:"fields,omitempty"`
}

// Argument placeholders understood by Profile.Render.
const (
	InputPlaceholder  = "${INPUT}"
	OutputPlaceholder = "${OUTPUT}"
)

// Render returns the argument list with the input and output placeholders replaced.
func (p Profile) Render(input, output string) []string {
	args := make([]string, 0, len(p.Arguments))
	for _, arg := range p.Arguments {
		arg = strings.ReplaceAll(arg, InputPlaceholder, input)
		arg = strings.ReplaceAll(arg, OutputPlaceholder, output)
		args = append(args, arg)
	}
	return args
}

// ClusterTask is the replicated record of a job owned by a node.
type ClusterTask struct {
	// TaskID is the unique identifier of the task (UUID).
	TaskID string `json:"taskId"`

	// Source is the media being transcoded.
	Source Media `json:"source"`

	// Profile is the profile used for transcoding.
	Profile Profile `json:"profile"`

	// Priority is copied from the media when the task is created.
	Priority int `json:"priority"`

	// DateAdded is when the owning node accepted the job.
	DateAdded time.Time `json:"dateAdded"`

	// LastUpdated is the owner's timestamp of the last mutation.
	// Replicas merge entries last-writer-wins on this value.
	LastUpdated time.Time `json:"lastUpdated"`

	// Percentage is the progress in the range 0-100, or -1 if unknown.
	Percentage float64 `json:"percentage"`

	// Owner is the node running the task.
	Owner ClusterNode `json:"owner"`
}

// SourceName returns the source path of the task's media.
func (t ClusterTask) SourceName() string {
	return t.Source.SourcePath
}

// TranscodeTask is the immutable input of a single transcoding run.
type TranscodeTask struct {
	Media      Media
	Profile    Profile
	WorkingDir string
}

// TranscodeProgress is a point-in-time measurement of a running encoding.
type TranscodeProgress struct {
	Bitrate    float64 `json:"bitrate"`
	FPS        float64 `json:"fps"`
	Percentage float64 `json:"percentage"`
	Frame      int64   `json:"frame"`
	MaxFrame   int64   `json:"maxFrame"`
	SizeBytes  float64 `json:"size"`
}

// InactiveProgress returns the sentinel snapshot reported when nothing is encoding.
// All fields are set to -1.
func InactiveProgress() TranscodeProgress {
	return TranscodeProgress{
		Bitrate:    -1,
		FPS:        -1,
		Percentage: -1,
		Frame:      -1,
		MaxFrame:   -1,
		SizeBytes:  -1,
	}
}

// IsInactive reports whether p is the inactive sentinel.
func (p TranscodeProgress) IsInactive() bool {
	return p == InactiveProgress()
}

// TranscodeResult is the terminal outcome of a transcoding run.
type TranscodeResult struct {
	Task TranscodeTask

	// Succeeded is true only if the process exited with code 0.
	Succeeded bool

	// ExitCode is the process exit code; only meaningful if HasExitCode is true.
	ExitCode int

	// HasExitCode is false if the process could not be launched or the wait was interrupted.
	HasExitCode bool

	// Cancelled is true if the run was terminated through a cancellation.
	Cancelled bool

	// OutputPath is the file the transcoder was asked to write. It may be partial
	// or missing when Succeeded is false.
	OutputPath string

	// Duration is the wall time of the run.
	Duration time.Duration
}

// Transcoder enumerates the supported transcoder backends.
type Transcoder string

const (
	// TranscoderFFmpeg is the ffmpeg command line transcoder.
	TranscoderFFmpeg Transcoder = "ffmpeg"

	// TranscoderHandBrake is the HandBrakeCLI transcoder.
	TranscoderHandBrake Transcoder = "handbrake"
)

// ParseTranscoder converts a configuration value into a Transcoder.
func ParseTranscoder(value string) (Transcoder, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ffmpeg", "":
		return TranscoderFFmpeg, nil
	case "handbrake", "handbrakecli":
		return TranscoderHandBrake, nil
	default:
		return "", fmt.Errorf("unsupported transcoder %q", value)
	}
}

// TaskAddedEvent is published to the message bus when a node accepts a job.
type TaskAddedEvent struct {
	JobID   string      `json:"jobId"`
	Media   Media       `json:"media"`
	Profile Profile     `json:"profile"`
	Node    ClusterNode `json:"node"`
	AddedAt time.Time   `json:"addedAt"`
}

// TaskCompletedEvent is published to the message bus when a job terminates.
type TaskCompletedEvent struct {
	JobID       string      `json:"jobId"`
	Media       Media       `json:"media"`
	Node        ClusterNode `json:"node"`
	Succeeded   bool        `json:"succeeded"`
	Cancelled   bool        `json:"cancelled"`
	OutputPath  string      `json:"outputPath,omitempty"`
	CompletedAt time.Time   `json:"completedAt"`
}
