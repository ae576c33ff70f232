package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestName is the file written next to the chunks.
const ManifestName = "ziploy-manifest.json"

// Manifest is the reconstruction metadata for one split archive.
type Manifest struct {
	Version     string    `json:"version"`
	Created     time.Time `json:"created"`
	DeployID    string    `json:"deploy_id"`
	RunID       string    `json:"run_id"`
	ArchiveName string    `json:"archive_name"`
	ArchiveID   string    `json:"archive_id"`
	ArchiveSize int64     `json:"archive_size"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	Chunks      []Chunk   `json:"chunks"`
}

// NewManifest describes set for the given deployment and run.
func NewManifest(set *Set, deployID, runID string) *Manifest {
	return &Manifest{
		Version:     "1.0",
		Created:     time.Now().UTC(),
		DeployID:    deployID,
		RunID:       runID,
		ArchiveName: set.ArchiveName,
		ArchiveID:   set.ArchiveID,
		ArchiveSize: set.ArchiveSize,
		ChunkSize:   set.MaxSize,
		TotalChunks: len(set.Chunks),
		Chunks:      set.Chunks,
	}
}

// WriteManifest writes m as indented JSON to path.
func WriteManifest(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// Verify reads the manifest in dir and checks that the chunks next to it
// reassemble into the archive it describes.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	if len(m.Chunks) != m.TotalChunks {
		return m, fmt.Errorf("manifest lists %d chunks, expected %d", len(m.Chunks), m.TotalChunks)
	}
	for i := range m.Chunks {
		m.Chunks[i].Path = filepath.Join(dir, m.Chunks[i].Name)
	}
	if err := Validate(m.Chunks, m.ChunkSize); err != nil {
		return m, err
	}

	h := sha256.New()
	n, err := Join(m.Chunks, h)
	if err != nil {
		return m, fmt.Errorf("joining chunks: %w", err)
	}
	if n != m.ArchiveSize {
		return m, fmt.Errorf("joined %d bytes, expected %d", n, m.ArchiveSize)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != m.ArchiveID {
		return m, fmt.Errorf("archive checksum %s, expected %s", sum, m.ArchiveID)
	}
	return m, nil
}
