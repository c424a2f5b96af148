package transcode

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/process"
)

// ProgressParser turns transcoder output into progress snapshots.
type ProgressParser interface {
	process.OutputParser

	// Progress returns the latest snapshot. Safe to call from any goroutine.
	Progress() clustercode.TranscodeProgress
}

// NewProgressParser returns the parser matching the transcoder backend.
func NewProgressParser(t clustercode.Transcoder) ProgressParser {
	if t == clustercode.TranscoderHandBrake {
		return NewHandBrakeParser()
	}
	return NewFFmpegParser()
}

// snapshot guards a progress value shared between the reader goroutine and callers of Progress.
type snapshot struct {
	mu       sync.RWMutex
	progress clustercode.TranscodeProgress
}

func (s *snapshot) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = clustercode.InactiveProgress()
}

func (s *snapshot) update(fn func(p *clustercode.TranscodeProgress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.progress)
}

func (s *snapshot) get() clustercode.TranscodeProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

func matchFloat(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampPercentage(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
