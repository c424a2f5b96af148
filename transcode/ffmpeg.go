package transcode

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/getpup/clustercode"
)

var (
	// durationRegex matches the input header, e.g. "Duration: 00:01:00.05, start: ...".
	durationRegex = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

	// streamFPSRegex matches the frame rate of a video stream header, e.g. "Video: h264 ..., 25 fps,".
	streamFPSRegex = regexp.MustCompile(`Stream #.*Video:.*?(\d+(?:\.\d+)?) fps`)

	ffmpegFrameRegex   = regexp.MustCompile(`frame=\s*(\d+)`)
	ffmpegFPSRegex     = regexp.MustCompile(`fps=\s*(\d+(?:\.\d+)?)`)
	ffmpegSizeRegex    = regexp.MustCompile(`size=\s*(\d+(?:\.\d+)?)\s*([kKmMgG]?i?B)`)
	ffmpegTimeRegex    = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	ffmpegBitrateRegex = regexp.MustCompile(`bitrate=\s*(\d+(?:\.\d+)?)\s*kbits/s`)
)

// FFmpegParser reads ffmpeg's stderr. The input header provides the duration and
// frame rate, from which the total number of frames is estimated; status lines
// ("frame= ... fps= ... size= ... time= ... bitrate= ...") update the snapshot.
type FFmpegParser struct {
	snapshot

	// only touched by the reader goroutine
	duration float64
	frameFPS float64
}

// NewFFmpegParser creates a parser reporting the inactive snapshot until Start is called.
func NewFFmpegParser() *FFmpegParser {
	p := &FFmpegParser{}
	p.reset()
	return p
}

// Start resets the parser for a new run.
func (p *FFmpegParser) Start() {
	p.duration = 0
	p.frameFPS = 0
	p.reset()
}

// Parse consumes one line of ffmpeg output.
func (p *FFmpegParser) Parse(line string) {
	if p.duration == 0 {
		if d, ok := parseClock(durationRegex, line); ok {
			p.duration = d
			p.updateMaxFrame()
			return
		}
	}
	if p.frameFPS == 0 {
		if fps, ok := matchFloat(streamFPSRegex, line); ok {
			p.frameFPS = fps
			p.updateMaxFrame()
			return
		}
	}

	if !strings.Contains(line, "frame=") {
		return
	}

	p.update(func(prog *clustercode.TranscodeProgress) {
		if m := ffmpegFrameRegex.FindStringSubmatch(line); len(m) == 2 {
			if frame, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				prog.Frame = frame
			}
		}
		if fps, ok := matchFloat(ffmpegFPSRegex, line); ok {
			prog.FPS = fps
		}
		if size, ok := parseSize(line); ok {
			prog.SizeBytes = size
		}
		if bitrate, ok := matchFloat(ffmpegBitrateRegex, line); ok {
			prog.Bitrate = bitrate
		}

		switch {
		case prog.MaxFrame > 0 && prog.Frame >= 0:
			prog.Percentage = clampPercentage(float64(prog.Frame) / float64(prog.MaxFrame) * 100)
		case p.duration > 0:
			if elapsed, ok := parseClock(ffmpegTimeRegex, line); ok {
				prog.Percentage = clampPercentage(elapsed / p.duration * 100)
			}
		}
	})
}

// Stop is a no-op; the last snapshot stays readable.
func (p *FFmpegParser) Stop() {}

// Progress returns the latest snapshot.
func (p *FFmpegParser) Progress() clustercode.TranscodeProgress {
	return p.get()
}

func (p *FFmpegParser) updateMaxFrame() {
	if p.duration <= 0 || p.frameFPS <= 0 {
		return
	}
	maxFrame := int64(math.Round(p.duration * p.frameFPS))
	p.update(func(prog *clustercode.TranscodeProgress) {
		prog.MaxFrame = maxFrame
	})
}

// parseClock converts the HH:MM:SS.ms capture groups of re into seconds.
func parseClock(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if len(m) != 4 {
		return 0, false
	}
	hours, err1 := strconv.ParseFloat(m[1], 64)
	minutes, err2 := strconv.ParseFloat(m[2], 64)
	seconds, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return hours*3600 + minutes*60 + seconds, true
}

func parseSize(line string) (float64, bool) {
	m := ffmpegSizeRegex.FindStringSubmatch(line)
	if len(m) != 3 {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	switch strings.ToLower(m[2][:1]) {
	case "k":
		value *= 1024
	case "m":
		value *= 1024 * 1024
	case "g":
		value *= 1024 * 1024 * 1024
	}
	return value, true
}
