package source

import (
	"net/url"
	"regexp"
	"strings"
)

// Kind names where a mod reference points.
type Kind string

const (
	KindModrinth   Kind = "modrinth"
	KindCurseForge Kind = "curseforge"
	KindGitHub     Kind = "github"
	KindCustom     Kind = "custom"
	KindUnknown    Kind = "unknown"
)

// Detect classifies a reference by host. Anything that parses as an
// absolute URL but matches no known host is custom.
func Detect(ref string) Kind {
	lower := strings.ToLower(ref)
	switch {
	case strings.Contains(lower, "modrinth.com"):
		return KindModrinth
	case strings.Contains(lower, "curseforge.com"):
		return KindCurseForge
	case strings.Contains(lower, "github.com"):
		return KindGitHub
	}

	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return KindUnknown
	}
	return KindCustom
}

var modrinthPattern = regexp.MustCompile(`(?i)modrinth\.com/(mod|plugin|resourcepack|shader|datapack|modpack)/([^/?#]+)`)

// ModrinthSlug extracts the project slug from a Modrinth page URL.
func ModrinthSlug(ref string) (string, bool) {
	m := modrinthPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", false
	}
	return m[2], true
}
