// Package config implements ConfigStore (spec §6): archive-group
// definitions and broker bootstrap settings loaded from a YAML document,
// the teacher's config idiom (options.go's functional options for
// in-process wiring) carried over to the one place this broker needs
// file-backed configuration.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ArchiveGroupConfig mirrors archive.Group's persisted fields (spec §3)
// plus an Enabled flag ArchiveController consults on boot.
type ArchiveGroupConfig struct {
	Name            string   `yaml:"name"`
	Enabled         bool     `yaml:"enabled"`
	TopicFilters    []string `yaml:"topicFilters"`
	RetainedOnly    bool     `yaml:"retainedOnly"`
	RetainedStore   string   `yaml:"retainedStoreKind"` // "memory" | "sqlite"
	ArchiveSink     string   `yaml:"archiveSinkKind"`   // "memory" | "sqlite" | "kafka"
	PayloadFormat   string   `yaml:"payloadFormat"`
	RetentionMs     int64    `yaml:"retentionMs"`
	PurgeIntervalMs int64    `yaml:"purgeIntervalMs"`
	QueueCapacity   int      `yaml:"queueCapacity"`
	FlushIntervalMs int      `yaml:"flushIntervalMs"`
	FlushBatchSize  int      `yaml:"flushBatchSize"`

	// Sink-specific connection settings, only the fields relevant to
	// RetainedStore/ArchiveSink's kind are populated.
	SQLitePath   string   `yaml:"sqlitePath,omitempty"`
	KafkaBrokers []string `yaml:"kafkaBrokers,omitempty"`
	KafkaTopic   string   `yaml:"kafkaTopic,omitempty"`
}

// BrokerConfig is the process-bootstrap document (spec §1 node identity,
// §4.4.1 API prefix, §4.5 cluster mode).
type BrokerConfig struct {
	NodeID               string               `yaml:"nodeId"`
	ClusterMode          bool                 `yaml:"clusterMode"`
	NatsURL              string               `yaml:"natsUrl,omitempty"`
	APITopicPrefix       string               `yaml:"apiTopicPrefix"`
	RootWildcardDisabled bool                 `yaml:"rootWildcardDisabled"`
	WorkerCount          int                  `yaml:"workerCount"`
	ArchiveGroups        []ArchiveGroupConfig `yaml:"archiveGroups"`
}

// Store is a file-backed ConfigStore (spec §6): getAllArchiveGroups,
// getArchiveGroup(name), saveArchiveGroup(group, enabled).
type Store struct {
	path string

	mu     sync.Mutex
	broker BrokerConfig
}

// Load reads and parses path. A missing file is not an error — it
// returns an empty Store so a fresh deployment can still boot and start
// saving groups at runtime.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.broker); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return s, nil
}

// Broker returns the parsed process bootstrap settings.
func (s *Store) Broker() BrokerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

// GetAllArchiveGroups returns every configured group, enabled or not.
func (s *Store) GetAllArchiveGroups() []ArchiveGroupConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ArchiveGroupConfig, len(s.broker.ArchiveGroups))
	copy(out, s.broker.ArchiveGroups)
	return out
}

// GetArchiveGroup returns the named group's config, if present.
func (s *Store) GetArchiveGroup(name string) (ArchiveGroupConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.broker.ArchiveGroups {
		if g.Name == name {
			return g, true
		}
	}
	return ArchiveGroupConfig{}, false
}

// SaveArchiveGroup upserts group (by name) with the given enabled flag
// and persists the document back to disk.
func (s *Store) SaveArchiveGroup(group ArchiveGroupConfig, enabled bool) error {
	s.mu.Lock()
	group.Enabled = enabled
	replaced := false
	for i, g := range s.broker.ArchiveGroups {
		if g.Name == group.Name {
			s.broker.ArchiveGroups[i] = group
			replaced = true
			break
		}
	}
	if !replaced {
		s.broker.ArchiveGroups = append(s.broker.ArchiveGroups, group)
	}
	data, err := yaml.Marshal(s.broker)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if s.path == "" {
		return nil
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	return nil
}
