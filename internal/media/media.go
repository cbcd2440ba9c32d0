package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remembr/memorial-call/internal/metrics"
)

var ErrInvalidFormat = errors.New("invalid media format")

var formatPattern = regexp.MustCompile(`^[a-z0-9]{2,8}$`)

// Store persists caller-submitted media and returns a path the pipeline can read.
type Store interface {
	Save(ctx context.Context, sessionKey, format string, r io.Reader) (string, error)
	Remove(ctx context.Context, path string) error
}

// NormalizeFormat lowercases format and rejects anything that is not a short
// alphanumeric extension. Empty means webm.
func NormalizeFormat(format string) (string, error) {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if f == "" {
		return "webm", nil
	}
	if !formatPattern.MatchString(f) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	return f, nil
}

func objectName(sessionKey, format string, now time.Time) string {
	return fmt.Sprintf("%s/%s-%s.%s", sanitizeKey(sessionKey), now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8], format)
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func countUpload(backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("memorial_media_uploads_total", map[string]string{
		"backend": backend,
		"status":  status,
	})
}
