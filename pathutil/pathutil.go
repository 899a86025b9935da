// Package pathutil builds and normalizes the stable identifiers shared by
// the state store and every index target: doc_id, stable paths, and the
// platform-specific case-folding rule for filesystem paths. Grounded in
// original_source/flexible-graphrag/incremental_updates/path_utils.py,
// extended with the bucket/scheme rules from spec §3.
package pathutil

import (
	"path/filepath"
	"runtime"
	"strings"
)

// MakeDocID implements the stable-id rule: config_id + ':' + stable_path.
func MakeDocID(configID, stablePath string) string {
	return configID + ":" + stablePath
}

// SplitDocID reverses MakeDocID. ok is false if docID does not contain the
// separator (legacy rows keyed only by source_id never produce this form).
func SplitDocID(docID string) (configID, stablePath string, ok bool) {
	idx := strings.Index(docID, ":")
	if idx < 0 {
		return "", "", false
	}
	return docID[:idx], docID[idx+1:], true
}

// NormalizeFilesystemPath canonicalizes a filesystem path for use in
// stable_path, doc_id, and known_ids comparisons. On Windows it lowercases
// the cleaned path so "C:\X" and "c:\X" collide (spec §8 invariant 8); on
// POSIX filesystems are case-sensitive and the path is left as-is beyond
// Clean.
func NormalizeFilesystemPath(path string) string {
	if path == "" {
		return path
	}
	cleaned := filepath.Clean(path)
	if runtime.GOOS == "windows" {
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}

// ObjectStablePath builds the "<bucket>/<object_key>" stable path form used
// by S3, GCS, and Azure Blob.
func ObjectStablePath(bucket, key string) string {
	return bucket + "/" + key
}

// SchemeStablePath builds the "<scheme>://<native-id>" stable path form used
// by Alfresco, OneDrive, SharePoint, Google Drive, and Box.
func SchemeStablePath(scheme, nativeID string) string {
	return scheme + "://" + nativeID
}
