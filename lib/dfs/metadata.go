package dfs

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Checkpoint Metadata
// --------------------------------------------------------------------------

// CheckpointFile records one immutable file of a checkpoint: the name it
// has in the local working directory, the deduplicated name it was uploaded
// under, and its size. Two files with identical (localFileName, sizeBytes)
// are treated as content-identical and share one remote copy. This is a
// deliberate weak heuristic (no content hash), traded for speed; the
// uniqueness token in fresh dfs names keeps restarted writers from
// clobbering each other's uploads.
type CheckpointFile struct {
	LocalFileName string `json:"localFileName"`
	DfsFileName   string `json:"dfsFileName"`
	SizeBytes     int64  `json:"sizeBytes"`
}

// CheckpointMetadata is the durable record of what files constitute one
// committed version. LogFiles is omitted entirely from the serialized form
// when the version has no changelog files.
type CheckpointMetadata struct {
	SstFiles []CheckpointFile `json:"sstFiles"`
	LogFiles []CheckpointFile `json:"logFiles,omitempty"`
	NumKeys  uint64           `json:"numKeys"`
}

// Marshal serializes the metadata record.
func (m *CheckpointMetadata) Marshal() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding checkpoint metadata")
	}
	return raw, nil
}

// UnmarshalCheckpointMetadata deserializes a metadata record written by
// Marshal.
func UnmarshalCheckpointMetadata(raw []byte) (*CheckpointMetadata, error) {
	var m CheckpointMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint metadata")
	}
	return &m, nil
}
