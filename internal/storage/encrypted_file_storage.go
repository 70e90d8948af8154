package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/sirupsen/logrus"

	"github.com/user/go-argo-reconciler/internal/interfaces"
)

// DefaultStorageFile is the default path for the storage file.
const DefaultStorageFile = "applications.json.age"

// EncryptedFileStorage implements the DataStorage interface using a file
// encrypted to a single age X25519 identity.
type EncryptedFileStorage struct {
	FilePath string

	identity *age.X25519Identity
	logger   logrus.FieldLogger
	mu       sync.Mutex
}

var _ interfaces.DataStorage = (*EncryptedFileStorage)(nil)

// GenerateKey returns a new age identity in its AGE-SECRET-KEY-1 encoding.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("failed to generate age identity: %w", err)
	}
	return identity.String(), nil
}

// NewEncryptedFileStorage creates a new EncryptedFileStorage.
// If filePath is empty, DefaultStorageFile is used.
// If key is empty and filePath already exists, an error is returned since the
// file cannot be decrypted. Otherwise an empty key generates a throwaway
// identity and a warning is logged: records written with it cannot be read
// after a restart.
func NewEncryptedFileStorage(filePath, key string, logger logrus.FieldLogger) (*EncryptedFileStorage, error) {
	if filePath == "" {
		filePath = DefaultStorageFile
	}

	var identity *age.X25519Identity
	var err error
	if key == "" {
		if _, err := os.Stat(filePath); err == nil {
			return nil, fmt.Errorf("%s exists but no encryption_key is configured to read it", filePath)
		}
		logger.Warn("No storage key configured, using a throwaway key. Registered applications will not survive a restart; generate a key with the keygen command.")
		identity, err = age.GenerateX25519Identity()
	} else {
		identity, err = age.ParseX25519Identity(strings.TrimSpace(key))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid storage key: %w", err)
	}

	return &EncryptedFileStorage{
		FilePath: filePath,
		identity: identity,
		logger:   logger,
	}, nil
}

// LoadApplications reads, decrypts, and unmarshals every stored record.
func (s *EncryptedFileStorage) LoadApplications() ([]interfaces.ApplicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// SaveApplication inserts or replaces the record with the same name.
func (s *EncryptedFileStorage) SaveApplication(rec interfaces.ApplicationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return fmt.Errorf("failed to load existing applications before saving: %w", err)
	}

	found := false
	for i := range records {
		if records[i].Application.Name == rec.Application.Name {
			records[i] = rec
			found = true
			break
		}
	}
	if !found {
		records = append(records, rec)
	}
	if err := s.write(records); err != nil {
		return err
	}
	s.logger.Debugf("Saved application %q to %s, %d total", rec.Application.Name, s.FilePath, len(records))
	return nil
}

// DeleteApplication removes the record called name. Removing an unknown
// name is a no-op.
func (s *EncryptedFileStorage) DeleteApplication(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return fmt.Errorf("failed to load existing applications before deleting: %w", err)
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.Application.Name != name {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return s.write(kept)
}

func (s *EncryptedFileStorage) load() ([]interfaces.ApplicationRecord, error) {
	encryptedData, err := os.ReadFile(s.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []interfaces.ApplicationRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read storage file '%s': %w", s.FilePath, err)
	}
	if len(encryptedData) == 0 {
		return []interfaces.ApplicationRecord{}, nil
	}

	r, err := age.Decrypt(bytes.NewReader(encryptedData), s.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt '%s': %w", s.FilePath, err)
	}
	var records []interfaces.ApplicationRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal applications from '%s': %w", s.FilePath, err)
	}
	return records, nil
}

// write replaces the storage file atomically.
func (s *EncryptedFileStorage) write(records []interfaces.ApplicationRecord) error {
	jsonData, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal applications to JSON: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("failed to encrypt applications: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(jsonData)); err != nil {
		return fmt.Errorf("failed to encrypt applications: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to encrypt applications: %w", err)
	}

	dir := filepath.Dir(s.FilePath)
	tmp, err := os.CreateTemp(dir, ".applications-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in '%s': %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	// Write with 0600 permissions (owner read/write)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write applications: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write applications: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.FilePath); err != nil {
		return fmt.Errorf("failed to write applications to file '%s': %w", s.FilePath, err)
	}
	return nil
}
