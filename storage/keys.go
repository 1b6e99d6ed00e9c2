package storage

import "fmt"

// Object key layout for one recording attempt. Everything for a
// (show, version) pair lives under recordings/{show_id}/{version}/.

// RawKey is the unedited live capture.
func RawKey(showID int64, version string) string {
	return fmt.Sprintf("recordings/%d/%s/raw.webm", showID, version)
}

// MarkersKey is the timecoded track marker list.
func MarkersKey(showID int64, version string) string {
	return fmt.Sprintf("recordings/%d/%s/markers.json", showID, version)
}

// CheckpointKey is the finalize resumption record.
func CheckpointKey(showID int64, version string) string {
	return fmt.Sprintf("recordings/%d/%s/checkpoint.json", showID, version)
}

// FinalKey is the finalized studio-quality mix.
func FinalKey(showID int64, version string) string {
	return fmt.Sprintf("recordings/%d/%s/final.mp3", showID, version)
}
