package cluster

import (
	"bytes"
	"context"
	"strings"

	"github.com/getpup/clustercode"
)

// logWriter forwards memberlist's log lines ("[LEVEL] memberlist: ...") to a Logger.
type logWriter struct {
	logger clustercode.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.logger == nil {
		return len(p), nil
	}

	line := string(bytes.TrimSpace(p))
	ctx := context.Background()

	// memberlist's log.Logger prefixes a timestamp before the level
	if i := strings.Index(line, "["); i >= 0 {
		line = line[i:]
	}

	switch {
	case strings.HasPrefix(line, "[ERR]"):
		w.logger.Error(ctx, strings.TrimSpace(strings.TrimPrefix(line, "[ERR]")), "component", "memberlist")
	case strings.HasPrefix(line, "[WARN]"):
		w.logger.Warn(ctx, strings.TrimSpace(strings.TrimPrefix(line, "[WARN]")), "component", "memberlist")
	case strings.HasPrefix(line, "[INFO]"):
		w.logger.Info(ctx, strings.TrimSpace(strings.TrimPrefix(line, "[INFO]")), "component", "memberlist")
	default:
		w.logger.Debug(ctx, strings.TrimSpace(strings.TrimPrefix(line, "[DEBUG]")), "component", "memberlist")
	}
	return len(p), nil
}
