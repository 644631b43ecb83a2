// Package store persists the download registry. FileStore keeps a JSON
// document under the data dir; BlobStore keeps the same document in any
// gocloud.dev bucket.
package store

import (
	"encoding/json"
	"fmt"

	"sget/internal/task"
)

// DefaultKey is the name of the registry document.
const DefaultKey = "downloads.json"

const formatVersion = 1

type document struct {
	Version   int             `json:"version"`
	Downloads []task.Snapshot `json:"downloads"`
}

func decode(b []byte) ([]task.Snapshot, error) {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode downloads: %w", err)
	}
	if doc.Version > formatVersion {
		return nil, fmt.Errorf("unsupported downloads format version %d", doc.Version)
	}
	return doc.Downloads, nil
}

func newDocument(tasks []task.Snapshot) document {
	if tasks == nil {
		tasks = []task.Snapshot{}
	}
	return document{Version: formatVersion, Downloads: tasks}
}
