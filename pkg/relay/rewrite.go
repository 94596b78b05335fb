package relay

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

var uriAttrPattern = regexp.MustCompile(`URI="(https?://[^"]+)"`)

// RewritePlaylist rewrites every absolute http(s) address in an HLS playlist
// to route through the relay on the given loopback port. Media lines are
// replaced whole; URI="..." attributes inside tag lines are substituted in
// place. All other lines pass through byte-identical.
func RewritePlaylist(playlist string, port int) string {
	lines := strings.Split(playlist, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if !strings.HasPrefix(trimmed, "#") && strings.HasPrefix(trimmed, "http") {
			if proxied, err := rewriteToLoopback(trimmed, port); err == nil {
				out = append(out, proxied)
				continue
			}
		}

		if strings.HasPrefix(trimmed, "#") && strings.Contains(trimmed, `URI="http`) {
			out = append(out, rewriteURIAttributes(line, port))
			continue
		}

		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func rewriteURIAttributes(line string, port int) string {
	return uriAttrPattern.ReplaceAllStringFunc(line, func(match string) string {
		sub := uriAttrPattern.FindStringSubmatch(match)
		proxied, err := rewriteToLoopback(sub[1], port)
		if err != nil {
			return match
		}
		return fmt.Sprintf(`URI="%s"`, proxied)
	})
}

// rewriteToLoopback keeps the path and query of an absolute URL but points
// scheme/host/port at the relay.
func rewriteToLoopback(raw string, port int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	proxied := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	return proxied.String(), nil
}
