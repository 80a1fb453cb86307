package analysis

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/benvon/dermin/internal/apperr"
)

// AllowedTypes are the image formats the backend accepts
var AllowedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// DetectImage sniffs data and returns its MIME type when it is an accepted
// image within maxBytes.
func DetectImage(data []byte, maxBytes int64) (string, error) {
	const op = "analyze"
	if len(data) == 0 {
		return "", apperr.InvalidInput(op, "the selected file is empty")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", apperr.InvalidInput(op, fmt.Sprintf("the image is larger than %s", humanBytes(maxBytes)))
	}
	mt := mimetype.Detect(data)
	for _, allowed := range AllowedTypes {
		if mt.Is(allowed) {
			return allowed, nil
		}
	}
	return "", apperr.InvalidInput(op, fmt.Sprintf("unsupported file type %s; use %s", mt.String(), strings.Join(AllowedTypes, ", ")))
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
