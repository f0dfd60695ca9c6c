package fourkhdhub

import (
	"regexp"
	"strconv"
	"strings"
)

var resolutionRegex = regexp.MustCompile(`(\d{3,4})[pP]`)

// DetectResolution buckets a release title into a resolution.
// An explicit "2160p" wins over "4k"/"uhd" keywords. Without any resolution
// marker a codec fallback kicks in: HEVC releases are almost always UHD
// remuxes on this provider, H.264 ones are 1080p web rips.
func DetectResolution(title string) string {
	lowered := strings.ToLower(title)

	if match := resolutionRegex.FindStringSubmatch(title); match != nil {
		switch match[1] {
		case "2160":
			return "2160p"
		case "1440":
			return "1440p"
		case "1080":
			return "1080p"
		case "720":
			return "720p"
		case "480", "360":
			return "480p"
		}
	}
	if strings.Contains(lowered, "4k") || strings.Contains(lowered, "uhd") {
		return "2160p"
	}
	if strings.Contains(lowered, "h265") || strings.Contains(lowered, "x265") || strings.Contains(lowered, "hevc") {
		return "2160p"
	}
	if strings.Contains(lowered, "h264") || strings.Contains(lowered, "x264") {
		return "1080p"
	}
	return ""
}

// DetectQuality returns the quality label for a stream title: the first
// NNNp/NNNNp match, defaulting to 2160p because the provider is
// overwhelmingly a UHD catalog.
func DetectQuality(title string) string {
	if match := resolutionRegex.FindStringSubmatch(title); match != nil {
		return match[1] + "p"
	}
	return "2160p"
}

// The language set is closed; non-Latin script titles are silently
// unclassified.
var knownLanguages = []string{
	"English",
	"French",
	"Spanish",
	"German",
	"Italian",
	"Portuguese",
	"Russian",
	"Japanese",
	"Korean",
	"Chinese",
	"Hindi",
	"Tamil",
	"Telugu",
	"Malayalam",
}

var languageRegexes = func() map[string]*regexp.Regexp {
	regexes := make(map[string]*regexp.Regexp, len(knownLanguages))
	for _, lang := range knownLanguages {
		regexes[lang] = regexp.MustCompile(`(?i)\b` + lang + `\b`)
	}
	return regexes
}()

// DetectLanguages finds known language names as whole words in a title.
// When the provider page carried a language badge its comma-separated values
// take precedence over title detection.
func DetectLanguages(title, badge string) []string {
	if badge != "" {
		var languages []string
		for _, part := range strings.Split(badge, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			for _, lang := range knownLanguages {
				if strings.EqualFold(part, lang) {
					languages = append(languages, lang)
					break
				}
			}
		}
		if len(languages) > 0 {
			return languages
		}
	}

	var languages []string
	for _, lang := range knownLanguages {
		if languageRegexes[lang].MatchString(title) {
			languages = append(languages, lang)
		}
	}
	return languages
}

// Hosts empirically known to serve range requests without rate limits, best
// first. PickBestURL prefers them in this order.
var hostPriority = []string{
	"pixeldrain.com",
	"pixeldrain.net",
	"workers.dev",
	"r2.dev",
	"hubcdn.fans",
	"googleusercontent.com",
}

// PickBestURL chooses the preferred URL when multiple resolutions exist for
// the same request. Falls back to the first URL when no preferred host is
// present.
func PickBestURL(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	for _, host := range hostPriority {
		for _, u := range urls {
			if strings.Contains(u, host) {
				return u
			}
		}
	}
	return urls[0]
}

var videoExtensions = []string{".mp4", ".mkv", ".avi", ".webm", ".m3u8"}

// IsDirectVideoURL reports whether the URL points at a recognized video file.
func IsDirectVideoURL(rawURL string) bool {
	lowered := strings.ToLower(rawURL)
	if idx := strings.IndexAny(lowered, "?#"); idx != -1 {
		lowered = lowered[:idx]
	}
	for _, ext := range videoExtensions {
		if strings.HasSuffix(lowered, ext) {
			return true
		}
	}
	return false
}

var sizeRegex = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(TB|GB|MB)`)

// ParseSize extracts a byte count from strings like "4.2 GB" or
// "[1080p - 2.1GB]". Returns 0 when no size is present.
func ParseSize(s string) int64 {
	match := sizeRegex.FindStringSubmatch(s)
	if match == nil {
		return 0
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(match[2]) {
	case "TB":
		return int64(value * 1024 * 1024 * 1024 * 1024)
	case "GB":
		return int64(value * 1024 * 1024 * 1024)
	case "MB":
		return int64(value * 1024 * 1024)
	}
	return 0
}
