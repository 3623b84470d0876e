package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Manifest summarizes a journal stream: entry counts per kind, checkpoint
// brackets, and a content hash over the encoded entries. It is written
// beside a persistent log so tooling can verify a stream without replaying
// it.
type Manifest struct {
	RunID        string         `json:"run_id"`
	Entries      int            `json:"entries"`
	Kinds        map[string]int `json:"kinds"`
	Checkpoints  []string       `json:"checkpoints"`
	ContentHash  string         `json:"content_hash"`
	ManifestHash string         `json:"manifest_hash"`
}

// BuildManifest scans a stream from the start and produces its manifest.
// The caller's cursor is undisturbed; scanning uses an independent restarted
// cursor.
func BuildManifest(runID string, r Readable) (*Manifest, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	cursor, err := r.AsRestarted()
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	m := &Manifest{
		RunID: runID,
		Kinds: make(map[string]int),
	}

	content := sha256.New()
	var openBracket string
	for {
		e, err := cursor.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		m.Entries++
		m.Kinds[e.Kind().String()]++

		switch p := e.Payload.(type) {
		case CheckpointBegin:
			openBracket = p.ID
		case CheckpointEnd:
			if openBracket != "" && openBracket == p.ID {
				m.Checkpoints = append(m.Checkpoints, p.ID)
			}
			openBracket = ""
		}

		frame, err := Encode(e)
		if err != nil {
			return nil, err
		}
		content.Write(frame)
	}

	m.ContentHash = "sha256:" + hex.EncodeToString(content.Sum(nil))

	selfHash, err := manifestHash(m)
	if err != nil {
		return nil, err
	}
	m.ManifestHash = selfHash
	return m, nil
}

// manifestHash hashes the canonical JSON form of the manifest with the
// self-hash field cleared, so the hash is stable across field ordering.
func manifestHash(m *Manifest) (string, error) {
	clone := *m
	clone.ManifestHash = ""

	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("journal: marshal manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize manifest: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// WriteManifest writes the manifest as JSON to path.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadManifest reads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("journal: parse manifest: %w", err)
	}
	return &m, nil
}

// VerifyManifest re-scans the stream and reports discrepancies between it
// and the manifest. An empty result means the manifest matches.
func VerifyManifest(r Readable, m *Manifest) ([]string, error) {
	var issues []string

	selfHash, err := manifestHash(m)
	if err != nil {
		return nil, err
	}
	if m.ManifestHash != "" && selfHash != m.ManifestHash {
		issues = append(issues, fmt.Sprintf("manifest hash mismatch: expected %s, got %s", m.ManifestHash, selfHash))
	}

	fresh, err := BuildManifest(m.RunID, r)
	if err != nil {
		return nil, err
	}
	if fresh.Entries != m.Entries {
		issues = append(issues, fmt.Sprintf("entry count mismatch: manifest %d, stream %d", m.Entries, fresh.Entries))
	}
	if fresh.ContentHash != m.ContentHash {
		issues = append(issues, fmt.Sprintf("content hash mismatch: manifest %s, stream %s", m.ContentHash, fresh.ContentHash))
	}
	return issues, nil
}
