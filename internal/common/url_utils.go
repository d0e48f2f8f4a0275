package common

// URL utilities for the lecture-portal crawl: page/metadata sibling
// derivation, parent-URL derivation, and login-path matching (§4.4/§4.5/§4.6).

import (
	"strings"
)

const (
	htmlSuffix           = ".html"
	seriesMetadataSuffix = ".series-metadata.json"
	seriesLoginSuffix    = ".series-login.json"
)

// MetadataURL transforms a container/video page URL to its JSON sibling
// (§4.5: "replace .html with .series-metadata.json").
func MetadataURL(pageURL string) string {
	if strings.HasSuffix(pageURL, htmlSuffix) {
		return strings.TrimSuffix(pageURL, htmlSuffix) + seriesMetadataSuffix
	}
	return pageURL + seriesMetadataSuffix
}

// EpisodeURL derives an episode's metadata URL from its series' metadata URL
// and episode id (§4.6: "{series_stripped}/{id}.series-metadata.json").
func EpisodeURL(seriesMetadataURL, episodeID string) string {
	stripped := strings.TrimSuffix(seriesMetadataURL, seriesMetadataSuffix)
	return joinPath(stripped, episodeID+seriesMetadataSuffix)
}

// SeriesLoginURL derives the per-series login endpoint from a series URL
// stripped of its .html/.series-metadata.json suffix (§4.4).
func SeriesLoginURL(seriesStripped string) string {
	return seriesStripped + seriesLoginSuffix
}

// StripSeriesSuffix removes whichever of .html / .series-metadata.json
// terminates url, used to match per-path credential prefixes (§4.4).
func StripSeriesSuffix(pageURL string) string {
	if strings.HasSuffix(pageURL, seriesMetadataSuffix) {
		return strings.TrimSuffix(pageURL, seriesMetadataSuffix)
	}
	return strings.TrimSuffix(pageURL, htmlSuffix)
}

// ParentPageURL derives a site's parent URL by removing the last path
// segment and reattaching the .html suffix (§4.5 second pass).
func ParentPageURL(pageURL string) (string, bool) {
	stripped := strings.TrimSuffix(pageURL, htmlSuffix)
	idx := strings.LastIndex(stripped, "/")
	if idx <= 0 {
		return "", false
	}
	parent := stripped[:idx]
	if parent == "" {
		return "", false
	}
	return parent + htmlSuffix, true
}

// joinPath safely joins path segments, preventing duplicate slashes.
func joinPath(segments ...string) string {
	result := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if result == "" {
			result = seg
		} else if result[len(result)-1] == '/' {
			if seg[0] == '/' {
				result += seg[1:]
			} else {
				result += seg
			}
		} else {
			if seg[0] == '/' {
				result += seg
			} else {
				result += "/" + seg
			}
		}
	}
	return result
}
