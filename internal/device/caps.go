package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/e7canasta/facecapture/internal/media"
)

// ParseCaps converts the text form of a source pad's caps into an ordered
// capability list.
//
// Only video/x-raw structures with fixed width and height are kept. Format
// lists expand into one entry per format, in the order listed. Frame rates
// may be a single fraction, a list or a range; the entry spans the lowest to
// the highest rate. Duplicates are dropped, first occurrence wins.
//
// Example input (as printed by v4l2src):
//
//	video/x-raw, format=(string)YUY2, width=(int)640, height=(int)480, framerate=(fraction){ 30/1, 15/1 }; image/jpeg, ...
func ParseCaps(text string) (media.Capability, error) {
	var out media.Capability
	seen := make(map[media.FormatDescription]bool)

	for _, structure := range splitTopLevel(text, ';') {
		structure = strings.TrimSpace(structure)
		if structure == "" {
			continue
		}
		fields := splitTopLevel(structure, ',')
		if strings.TrimSpace(fields[0]) != "video/x-raw" {
			continue
		}

		values := make(map[string]string, len(fields)-1)
		for _, f := range fields[1:] {
			name, value, ok := strings.Cut(f, "=")
			if !ok {
				return media.Capability{}, fmt.Errorf("device: malformed caps field %q", strings.TrimSpace(f))
			}
			values[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}

		width, okW := parseInt(values["width"])
		height, okH := parseInt(values["height"])
		if !okW || !okH {
			continue
		}
		rates, ok := parseRates(values["framerate"])
		if !ok {
			continue
		}

		for _, pf := range parseFormats(values["format"]) {
			d := media.FormatDescription{
				Format:     media.Format{Width: width, Height: height, PixelFormat: media.PixelFormat(pf)},
				FrameRates: rates,
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			out.Formats = append(out.Formats, d)
		}
	}
	return out, nil
}

// splitTopLevel splits s on sep, ignoring separators inside {} [] or <>.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{', '[', '<':
			depth++
		case '}', ']', '>':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// stripType removes a leading "(type)" annotation.
func stripType(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "(") {
		if end := strings.IndexByte(v, ')'); end >= 0 {
			v = v[end+1:]
		}
	}
	return strings.TrimSpace(v)
}

func parseInt(v string) (int, bool) {
	n, err := strconv.Atoi(stripType(v))
	return n, err == nil && n > 0
}

// parseList returns the items of "{ a, b }" or "[ a, b ]", or the value itself.
func parseList(v string) []string {
	v = stripType(v)
	if len(v) >= 2 && (v[0] == '{' || v[0] == '[' || v[0] == '<') {
		v = v[1 : len(v)-1]
	}
	items := splitTopLevel(v, ',')
	for i := range items {
		items[i] = stripType(items[i])
	}
	return items
}

func parseFormats(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range parseList(v) {
		item = strings.Trim(item, `"`)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseRates(v string) (media.FrameRateRange, bool) {
	if v == "" {
		return media.FrameRateRange{}, false
	}
	var r media.FrameRateRange
	found := false
	for _, item := range parseList(v) {
		fps, ok := parseFraction(item)
		if !ok {
			continue
		}
		if !found || fps < r.MinFPS {
			r.MinFPS = fps
		}
		if !found || fps > r.MaxFPS {
			r.MaxFPS = fps
		}
		found = true
	}
	return r, found
}

// parseFraction parses "30/1" or "30000/1001" into frames per second.
func parseFraction(v string) (float64, bool) {
	num, den, ok := strings.Cut(strings.TrimSpace(v), "/")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return 0, false
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil || d <= 0 {
		return 0, false
	}
	return float64(n) / float64(d), true
}
