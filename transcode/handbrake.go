package transcode

import (
	"regexp"
	"strconv"

	"github.com/getpup/clustercode"
)

// handbrakeRegex matches HandBrakeCLI status lines, e.g.
// "Encoding: task 1 of 1, 5.75 % (72.31 fps, avg 86.24 fps, ETA 00h00m05s)".
// The part in parentheses is missing during the first second of a task.
var handbrakeRegex = regexp.MustCompile(`Encoding: task (\d+) of (\d+), (\d+(?:\.\d+)?) %(?: \((\d+(?:\.\d+)?) fps)?`)

// HandBrakeParser reads HandBrakeCLI's stdout. HandBrake does not report frames,
// size or bitrate, so those fields stay at -1.
type HandBrakeParser struct {
	snapshot
}

// NewHandBrakeParser creates a parser reporting the inactive snapshot until Start is called.
func NewHandBrakeParser() *HandBrakeParser {
	p := &HandBrakeParser{}
	p.reset()
	return p
}

func (p *HandBrakeParser) Start() {
	p.reset()
}

// Parse consumes one line of HandBrakeCLI output.
// Multi-pass encodings report each pass as a separate task; the percentage spans all of them.
func (p *HandBrakeParser) Parse(line string) {
	m := handbrakeRegex.FindStringSubmatch(line)
	if m == nil {
		return
	}

	task, _ := strconv.Atoi(m[1])
	total, _ := strconv.Atoi(m[2])
	pct, err := strconv.ParseFloat(m[3], 64)
	if err != nil || total <= 0 || task <= 0 {
		return
	}
	overall := (float64(task-1)*100 + pct) / float64(total)

	p.update(func(prog *clustercode.TranscodeProgress) {
		prog.Percentage = clampPercentage(overall)
		if m[4] != "" {
			if fps, err := strconv.ParseFloat(m[4], 64); err == nil {
				prog.FPS = fps
			}
		}
	})
}

func (p *HandBrakeParser) Stop() {}

// Progress returns the latest snapshot.
func (p *HandBrakeParser) Progress() clustercode.TranscodeProgress {
	return p.get()
}
