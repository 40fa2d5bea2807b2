package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileTimestampLayout = "2006-01-02_15-04-05"

// SanitizeName strips characters that are unsafe in filenames.
// Allows: letters, numbers, spaces, hyphens, underscores; spaces become
// underscores.
func SanitizeName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// GeneratePath builds a collision-free destination path of the form
// dir/TapeDeck_<channel>_<timestamp>.<ext>, suffixing _001, _002, ... if a
// file already exists.
func GeneratePath(dir, channelName, ext string, now time.Time) string {
	base := fmt.Sprintf("TapeDeck_%s_%s", SanitizeName(channelName), now.Format(fileTimestampLayout))

	candidate := base
	for counter := 1; ; counter++ {
		path := filepath.Join(dir, candidate+"."+ext)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		candidate = fmt.Sprintf("%s_%03d", base, counter)
	}
}
