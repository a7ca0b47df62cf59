package quarantine

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(slog.Default(), dir, WithClock(func() time.Time {
		return time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	return s, dir
}

func TestNewCreatesDirectories(t *testing.T) {
	_, dir := testStore(t)
	for _, sub := range []string{"unassigned_messages", "blocked_messages", "security_logs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestStoreUnassigned(t *testing.T) {
	s, dir := testStore(t)

	path, err := s.StoreUnassigned("gw-unknown", map[string]any{"code": 2030})
	require.NoError(t, err)

	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "unassigned_gw-unknown_"), name)
	assert.True(t, strings.HasSuffix(name, ".json"), name)
	assert.Equal(t, filepath.Join(dir, "unassigned_messages"), filepath.Dir(path))

	rec, err := s.Read(CategoryUnassigned, name)
	require.NoError(t, err)
	assert.Equal(t, "gw-unknown", rec.GatewayID)
	assert.NotEmpty(t, rec.Reason)
	assert.EqualValues(t, 2030, rec.Message["code"])
}

func TestStoreBlockedAndSecurity(t *testing.T) {
	s, _ := testStore(t)

	path, err := s.StoreBlocked("gw-A", "gateway in test mode", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "blocked_gw-A_")

	path, err = s.StoreSecurityLog("gw-A", "tenant inactive", "flow-1", "panic_alarm", map[string]any{"x": 1})
	require.NoError(t, err)
	rec, err := s.Read(CategorySecurity, filepath.Base(path))
	require.NoError(t, err)
	assert.Equal(t, "flow-1", rec.FlowID)
	assert.Equal(t, "panic_alarm", rec.Template)
	assert.Equal(t, "tenant inactive", rec.Reason)
}

func TestSanitizeGatewayID(t *testing.T) {
	s, _ := testStore(t)
	path, err := s.StoreBlocked("gw/../../etc", "reason", nil)
	require.NoError(t, err)
	assert.NotContains(t, filepath.Base(path), "/")
	assert.Contains(t, path, "blocked_messages")
}

func TestList(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.StoreUnassigned("gw-1", nil)
	require.NoError(t, err)
	_, err = s.StoreUnassigned("gw-2", nil)
	require.NoError(t, err)

	names, err := s.List(CategoryUnassigned)
	require.NoError(t, err)
	assert.Len(t, names, 2)

	_, err = s.List("bogus")
	assert.Error(t, err)
}
