package models

import "strconv"

// Stream is a video presentation URL plus resolution, unique on
// (url, resolution) (§3).
type Stream struct {
	Key        int64
	URL        string
	Resolution string
	Found      int64
	LastSeen   int64
	Deprecated bool
}

// Resolution formats a presentation's width/height into the stored
// resolution string ("{w} x {h}"); missing dimensions are passed as -1 (§4.6).
func Resolution(width, height int) string {
	return strconv.Itoa(width) + " x " + strconv.Itoa(height)
}
