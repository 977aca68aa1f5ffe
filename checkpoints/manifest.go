package checkpoints

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// ManifestName is the file name of the manifest inside an artifact directory.
const ManifestName = "manifest.json"

// Manifest records what a training run produced: a BLAKE3 digest per
// artifact file plus the run's configuration and headline metrics.
type Manifest struct {
	RunID     string             `json:"run_id"`
	CreatedAt time.Time          `json:"created_at"`
	Config    json.RawMessage    `json:"config,omitempty"`
	Files     map[string]string  `json:"files"` // relative name -> hex digest
	Root      string             `json:"root"`  // digest over the sorted file entries
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewManifest creates an empty manifest for runID. An empty runID gets a
// fresh UUID.
func NewManifest(runID string) *Manifest {
	if runID == "" {
		runID = NewRunID()
	}
	return &Manifest{
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		Files:     make(map[string]string),
		Metrics:   make(map[string]float64),
	}
}

// AddFile hashes dir/name and records the digest.
func (m *Manifest) AddFile(dir, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	digest, err := HashFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	m.Files[name] = digest
	m.Root = m.rootDigest()
	return nil
}

// Save writes the manifest to dir/manifest.json.
func (m *Manifest) Save(dir string) error {
	m.Root = m.rootDigest()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads dir/manifest.json.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = make(map[string]string)
	}
	return &m, nil
}

// Verify re-hashes every recorded file under dir. Any mismatch, missing
// file or altered entry list yields an error wrapping ErrIntegrity.
func (m *Manifest) Verify(dir string) error {
	if m.Root != m.rootDigest() {
		return fmt.Errorf("%w: manifest file list was altered", ErrIntegrity)
	}
	for _, name := range m.sortedNames() {
		if err := validateName(name); err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		digest, err := HashFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrIntegrity, name, err)
		}
		if digest != m.Files[name] {
			return fmt.Errorf("%w: %s has digest %s, manifest records %s", ErrIntegrity, name, digest, m.Files[name])
		}
	}
	return nil
}

func (m *Manifest) sortedNames() []string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manifest) rootDigest() string {
	h := blake3.New()
	for _, name := range m.sortedNames() {
		fmt.Fprintf(h, "%s\x00%s\n", name, m.Files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile returns the hex BLAKE3 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validateName(name string) error {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("artifact name %q escapes the artifact directory", name)
	}
	return nil
}
