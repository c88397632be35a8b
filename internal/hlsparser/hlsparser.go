// Package hlsparser implements HlsParser: a lexer for HLS master and
// media playlists that resolves relative URIs against the fetch URL. No
// m3u8-parsing library exists anywhere in the retrieval pack (grepped
// across every example repo), so this package is hand-written against
// the standard library (bufio.Scanner, strings, net/url) — the one
// component in this module legitimately built on the stdlib alone
// (DESIGN.md justifies this). Its structure — a line scanner plus an
// attribute tokenizer — mirrors the teacher's internal/mpd package's
// split between element parsing and small attribute helpers.
package hlsparser

import (
	"bufio"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Variant is one entry of a master playlist.
type Variant struct {
	URL        string
	Bandwidth  int
	Resolution string
	Codecs     string
}

// Master is a parsed master playlist: variants sorted by bandwidth
// descending.
type Master struct {
	Variants []Variant
}

// BestVariant returns the highest-bandwidth variant.
func (m *Master) BestVariant() (Variant, bool) {
	if len(m.Variants) == 0 {
		return Variant{}, false
	}
	return m.Variants[0], true
}

// ClosestTo returns the variant whose bandwidth minimizes the absolute
// difference to target.
func (m *Master) ClosestTo(target int) (Variant, bool) {
	if len(m.Variants) == 0 {
		return Variant{}, false
	}
	best := m.Variants[0]
	bestDiff := abs(best.Bandwidth - target)
	for _, v := range m.Variants[1:] {
		if d := abs(v.Bandwidth - target); d < bestDiff {
			best, bestDiff = v, d
		}
	}
	return best, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Segment is one entry of a media playlist.
type Segment struct {
	URL      string
	Duration float64
	Index    int
}

// Media is a parsed media playlist.
type Media struct {
	Segments       []Segment
	TargetDuration int
	MediaSequence  int
	IsLive         bool
}

// FormatError signals a malformed playlist — fatal for that HLS URL.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "hlsparser: " + e.Reason }

// Parse lexes body, fetched from baseURL, into either a Master or a
// Media playlist. Exactly one of the two return values is non-nil.
func Parse(body string, baseURL string) (*Master, *Media, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, nil, &FormatError{Reason: fmt.Sprintf("invalid base URL %q: %v", baseURL, err)}
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, &FormatError{Reason: fmt.Sprintf("scan playlist: %v", err)}
	}
	if len(lines) == 0 || lines[0] != "#EXTM3U" {
		return nil, nil, &FormatError{Reason: "playlist does not start with #EXTM3U"}
	}

	isMaster := false
	for _, l := range lines {
		if strings.HasPrefix(l, "#EXT-X-STREAM-INF:") {
			isMaster = true
			break
		}
	}

	if isMaster {
		m, err := parseMaster(lines, base)
		return m, nil, err
	}
	m, err := parseMedia(lines, base)
	return nil, m, err
}

func parseMaster(lines []string, base *url.URL) (*Master, error) {
	var variants []Variant
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "#EXT-X-STREAM-INF:") {
			continue
		}
		attrs := parseAttributes(strings.TrimPrefix(lines[i], "#EXT-X-STREAM-INF:"))
		if i+1 >= len(lines) || strings.HasPrefix(lines[i+1], "#") {
			return nil, &FormatError{Reason: "EXT-X-STREAM-INF not followed by a URI"}
		}
		uri, err := resolveURI(lines[i+1], base)
		if err != nil {
			return nil, &FormatError{Reason: fmt.Sprintf("resolve variant URI: %v", err)}
		}
		bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
		variants = append(variants, Variant{
			URL:        uri,
			Bandwidth:  bw,
			Resolution: attrs["RESOLUTION"],
			Codecs:     attrs["CODECS"],
		})
		i++
	}
	if len(variants) == 0 {
		return nil, &FormatError{Reason: "master playlist has no variants"}
	}
	sortVariantsDescending(variants)
	return &Master{Variants: variants}, nil
}

func sortVariantsDescending(v []Variant) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j].Bandwidth > v[j-1].Bandwidth; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

func parseMedia(lines []string, base *url.URL) (*Media, error) {
	media := &Media{IsLive: true}

	var pendingDuration float64
	haveDuration := false
	index := 0

	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(l, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, &FormatError{Reason: fmt.Sprintf("bad EXT-X-TARGETDURATION: %v", err)}
			}
			media.TargetDuration = int(math.Ceil(v))
		case strings.HasPrefix(l, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.Atoi(strings.TrimPrefix(l, "#EXT-X-MEDIA-SEQUENCE:"))
			if err != nil {
				return nil, &FormatError{Reason: fmt.Sprintf("bad EXT-X-MEDIA-SEQUENCE: %v", err)}
			}
			media.MediaSequence = v
		case strings.HasPrefix(l, "#EXT-X-ENDLIST"):
			media.IsLive = false
		case strings.HasPrefix(l, "#EXTINF:"):
			rest := strings.TrimPrefix(l, "#EXTINF:")
			rest = strings.TrimSuffix(rest, ",")
			if comma := strings.Index(rest, ","); comma >= 0 {
				rest = rest[:comma]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return nil, &FormatError{Reason: fmt.Sprintf("bad EXTINF: %v", err)}
			}
			pendingDuration = d
			haveDuration = true
		case strings.HasPrefix(l, "#"):
			// Unrecognized tag: ignored, matching the teacher's tolerant
			// XML-adjacent parsing style of skipping unknown attributes.
		default:
			if !haveDuration {
				return nil, &FormatError{Reason: "segment URI without preceding EXTINF"}
			}
			uri, err := resolveURI(l, base)
			if err != nil {
				return nil, &FormatError{Reason: fmt.Sprintf("resolve segment URI: %v", err)}
			}
			media.Segments = append(media.Segments, Segment{URL: uri, Duration: pendingDuration, Index: index})
			index++
			haveDuration = false
		}
	}

	if media.TargetDuration == 0 {
		return nil, &FormatError{Reason: "missing EXT-X-TARGETDURATION"}
	}
	return media, nil
}

// resolveURI applies the URL resolution rule in spec.md §4.5: absolute
// URLs pass through, leading-slash URLs combine with the base's scheme
// and authority, other relative URLs combine with the base's directory.
func resolveURI(raw string, base *url.URL) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// parseAttributes tokenizes KEY=value or KEY="quoted value" pairs,
// comma-separated, with keys matching [A-Z0-9-]+.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		start := i
		for i < len(s) && isKeyByte(s[i]) {
			i++
		}
		key := s[start:i]
		if key == "" || i >= len(s) || s[i] != '=' {
			break
		}
		i++ // consume '='

		var value string
		if i < len(s) && s[i] == '"' {
			i++
			valStart := i
			for i < len(s) && s[i] != '"' {
				i++
			}
			value = s[valStart:i]
			if i < len(s) {
				i++ // consume closing quote
			}
		} else {
			valStart := i
			for i < len(s) && s[i] != ',' {
				i++
			}
			value = strings.TrimSpace(s[valStart:i])
		}
		attrs[key] = value
	}
	return attrs
}

func isKeyByte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-'
}
