package storage

import (
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/resource"
)

func record(name, revision string) interfaces.ApplicationRecord {
	return interfaces.ApplicationRecord{
		Application: interfaces.ManagedApplication{
			Name:   name,
			Source: interfaces.SourceRef{RepoURL: "https://git.example.com/" + name + ".git", Password: "s3cret"},
		},
		Status: interfaces.AppStatus{
			LastSyncedRevision: revision,
			Inventory:          []resource.Key{{Kind: "ConfigMap", Namespace: name, Name: "settings"}},
		},
	}
}

func newStorage(t *testing.T, path, key string) *EncryptedFileStorage {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	s, err := NewEncryptedFileStorage(path, key, logger)
	require.NoError(t, err)
	return s
}

func TestEncryptedFileStorage_RoundTrip(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "apps.age")
	s := newStorage(t, path, key)

	records, err := s.LoadApplications()
	require.NoError(t, err)
	assert.Empty(t, records, "a missing file holds no applications")

	require.NoError(t, s.SaveApplication(record("shop", "a1")))
	require.NoError(t, s.SaveApplication(record("blog", "b1")))
	require.NoError(t, s.SaveApplication(record("shop", "a2")))

	reopened := newStorage(t, path, key)
	records, err = reopened.LoadApplications()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "shop", records[0].Application.Name)
	assert.Equal(t, "a2", records[0].Status.LastSyncedRevision)
	assert.Equal(t, "s3cret", records[0].Application.Source.Password)
	assert.Equal(t, record("blog", "b1"), records[1])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncryptedFileStorage_ContentIsEncrypted(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "apps.age")
	s := newStorage(t, path, key)
	require.NoError(t, s.SaveApplication(record("shop", "a1")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
}

func TestEncryptedFileStorage_WrongKey(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "apps.age")

	require.NoError(t, newStorage(t, path, key).SaveApplication(record("shop", "a1")))

	_, err = newStorage(t, path, other).LoadApplications()
	require.Error(t, err)
}

func TestEncryptedFileStorage_Delete(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	s := newStorage(t, filepath.Join(t.TempDir(), "apps.age"), key)
	require.NoError(t, s.SaveApplication(record("shop", "a1")))
	require.NoError(t, s.SaveApplication(record("blog", "b1")))

	require.NoError(t, s.DeleteApplication("shop"))
	require.NoError(t, s.DeleteApplication("unknown"))

	records, err := s.LoadApplications()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "blog", records[0].Application.Name)
}

func TestNewEncryptedFileStorage(t *testing.T) {
	t.Parallel()

	logger, hook := logtest.NewNullLogger()
	s, err := NewEncryptedFileStorage("", "", logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultStorageFile, s.FilePath)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "throwaway key")

	_, err = NewEncryptedFileStorage("", "not-a-key", logger)
	assert.Error(t, err)
}

func TestNewEncryptedFileStorage_MissingKeyForExistingFile(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "applications.json.age")
	require.NoError(t, newStorage(t, path, key).SaveApplication(record("shop", "rev1")))

	logger, _ := logtest.NewNullLogger()
	_, err = NewEncryptedFileStorage(path, "", logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption_key")
}
