package commons

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ExtFromLink pulls the file extension from a URL path, without the dot.
// Returns "" when the path has none.
func ExtFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(path.Ext(u.Path), ".")
}

// HumanBytes renders a byte count the way the storage views show it.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
