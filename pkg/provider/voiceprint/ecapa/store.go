package ecapa

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// printFile is the on-disk layout of one enrolled speaker.
type printFile struct {
	Name            string    `yaml:"name"`
	Embedding       []float32 `yaml:"embedding"`
	EnrolledAt      time.Time `yaml:"enrolled_at"`
	SpeakingSeconds float64   `yaml:"speaking_seconds"`
}

// Store persists enrolled voiceprints as one YAML file per speaker.
type Store struct {
	dir string

	mu    sync.Mutex
	stats map[string]float64 // pending speaking seconds not yet flushed
}

// OpenStore creates the storage directory if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, stats: map[string]float64{}}, nil
}

// LoadAll reads every enrolled print.
func (s *Store) LoadAll() (map[string][]float32, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	prints := map[string][]float32{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var pf printFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		prints[pf.Name] = pf.Embedding
	}
	return prints, nil
}

// Save writes one enrolled print.
func (s *Store) Save(name string, embedding []float32) error {
	data, err := yaml.Marshal(printFile{
		Name:       name,
		Embedding:  embedding,
		EnrolledAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(name), data, 0o644)
}

// AddSpeakingTime accumulates speaking time for later Flush.
func (s *Store) AddSpeakingTime(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] += d.Seconds()
}

// Flush merges accumulated speaking time into the print files.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.stats
	s.stats = map[string]float64{}
	s.mu.Unlock()

	for name, secs := range pending {
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			continue
		}
		var pf printFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			continue
		}
		pf.SpeakingSeconds += secs
		out, err := yaml.Marshal(pf)
		if err != nil {
			return err
		}
		if err := os.WriteFile(s.path(name), out, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}
