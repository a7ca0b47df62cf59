// Package quarantine holds messages refused by policy: unassigned gateways,
// blocked forwarding, and trust-gate refusals. Quarantined messages live as
// JSON files outside the retry queue; they need operator action, not retry.
package quarantine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/telemetrygate/telemetrygate/errors"
)

// Store categories and their directories
const (
	CategoryUnassigned = "unassigned"
	CategoryBlocked    = "blocked"
	CategorySecurity   = "security"
)

var categoryDirs = map[string]string{
	CategoryUnassigned: "unassigned_messages",
	CategoryBlocked:    "blocked_messages",
	CategorySecurity:   "security_logs",
}

// Record is the payload written to a quarantine file
type Record struct {
	Timestamp string         `json:"timestamp"`
	GatewayID string         `json:"gateway_id"`
	Reason    string         `json:"reason"`
	FlowID    string         `json:"flow_id,omitempty"`
	Template  string         `json:"template,omitempty"`
	Message   map[string]any `json:"message"`
}

// Store writes quarantine records under a data directory
type Store struct {
	logger  *slog.Logger
	dataDir string
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates a Store and ensures the category directories exist
func New(logger *slog.Logger, dataDir string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:  logger.With("component", "quarantine"),
		dataDir: dataDir,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range categoryDirs {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "quarantine", "New", "create "+dir)
		}
	}
	return s, nil
}

// StoreUnassigned quarantines a message from a gateway without a tenant.
// It returns the path of the written file.
func (s *Store) StoreUnassigned(gatewayID string, message map[string]any) (string, error) {
	return s.store(CategoryUnassigned, Record{
		GatewayID: gatewayID,
		Reason:    "gateway not assigned to a tenant",
		Message:   message,
	})
}

// StoreBlocked quarantines a message refused by forwarding policy
func (s *Store) StoreBlocked(gatewayID, reason string, message map[string]any) (string, error) {
	return s.store(CategoryBlocked, Record{
		GatewayID: gatewayID,
		Reason:    reason,
		Message:   message,
	})
}

// StoreSecurityLog records a trust-gate refusal at send time
func (s *Store) StoreSecurityLog(gatewayID, reason, flowID, templateName string, message map[string]any) (string, error) {
	return s.store(CategorySecurity, Record{
		GatewayID: gatewayID,
		Reason:    reason,
		FlowID:    flowID,
		Template:  templateName,
		Message:   message,
	})
}

func (s *Store) store(category string, rec Record) (string, error) {
	now := s.now().UTC()
	rec.Timestamp = now.Format(time.RFC3339Nano)

	name := fmt.Sprintf("%s_%s_%d.json", category, sanitize(rec.GatewayID), now.UnixMilli())
	path := filepath.Join(s.dataDir, categoryDirs[category], name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", errors.WrapInvalid(err, "quarantine", "store", "encode record")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.WrapTransient(err, "quarantine", "store", "write "+name)
	}

	s.logger.Info("message quarantined",
		"category", category,
		"gateway_id", rec.GatewayID,
		"reason", rec.Reason,
		"path", path)
	return path, nil
}

// List returns the quarantine file names of one category, newest first
func (s *Store) List(category string) ([]string, error) {
	dir, ok := categoryDirs[category]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "quarantine", "List", "category "+category)
	}
	entries, err := os.ReadDir(filepath.Join(s.dataDir, dir))
	if err != nil {
		return nil, errors.WrapTransient(err, "quarantine", "List", "read "+dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Read loads one quarantine record by category and file name
func (s *Store) Read(category, name string) (*Record, error) {
	dir, ok := categoryDirs[category]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "quarantine", "Read", "category "+category)
	}
	data, err := os.ReadFile(filepath.Join(s.dataDir, dir, filepath.Base(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "quarantine", "Read", "read "+name)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "quarantine", "Read", "decode "+name)
	}
	return &rec, nil
}

// sanitize keeps gateway ids filesystem-safe
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
