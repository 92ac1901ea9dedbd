/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package configstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// DefaultDirName is the config directory name created under the user's
// home directory.
const DefaultDirName = ".ssh-command-tool3"

const (
	dirPerm    = 0o700
	filePerm   = 0o600
	configFile = "config.json"
	saltFile   = ".salt"
)

// FileWriter abstracts os.WriteFile/os.MkdirAll so tests can substitute an
// in-memory writer instead of touching the real filesystem.
type FileWriter interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
}

// osWriter is the production FileWriter.
type osWriter struct{}

func (osWriter) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (osWriter) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (osWriter) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

// FileConfigStore implements ConnectionStore and SettingsStore against the
// persisted state layout: a directory holding config.json (0600) and,
// when encryption is enabled, a .salt file (0600) used to derive the
// AES-256-GCM key for password-at-rest encryption.
type FileConfigStore struct {
	dir         string
	writer      FileWriter
	encryptPass bool

	mu     sync.Mutex
	doc    Document
	cipher *cipherSuite
}

// Option customizes NewFileConfigStore.
type Option func(*FileConfigStore)

// WithFileWriter overrides the default os-backed FileWriter, for tests.
func WithFileWriter(w FileWriter) Option {
	return func(s *FileConfigStore) { s.writer = w }
}

// WithoutEncryption disables password-at-rest encryption, storing secrets
// as plaintext. Used by tests that want to inspect stored descriptors
// directly.
func WithoutEncryption() Option {
	return func(s *FileConfigStore) { s.encryptPass = false }
}

// NewFileConfigStore opens (creating if absent) the config directory dir,
// loading config.json and .salt. An empty dir defaults to
// ~/.ssh-command-tool3.
func NewFileConfigStore(dir string, opts ...Option) (*FileConfigStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, kinderr.New(kinderr.ConfigIO, "resolving home directory", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}

	s := &FileConfigStore{dir: dir, writer: osWriter{}, encryptPass: true}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.writer.MkdirAll(s.dir, dirPerm); err != nil {
		return nil, kinderr.New(kinderr.ConfigIO, "creating config directory", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileConfigStore) configPath() string { return filepath.Join(s.dir, configFile) }
func (s *FileConfigStore) saltPath() string   { return filepath.Join(s.dir, saltFile) }

func (s *FileConfigStore) load() error {
	if s.encryptPass {
		if err := s.loadOrCreateSalt(); err != nil {
			return err
		}
	}

	raw, err := s.writer.ReadFile(s.configPath())
	if os.IsNotExist(err) {
		s.doc = Document{Version: CurrentVersion}
		return s.persist()
	}
	if err != nil {
		return kinderr.New(kinderr.ConfigIO, "reading config.json", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return kinderr.New(kinderr.ConfigInvalid, "parsing config.json", err)
	}
	s.doc = doc
	return nil
}

func (s *FileConfigStore) loadOrCreateSalt() error {
	raw, err := s.writer.ReadFile(s.saltPath())
	if os.IsNotExist(err) {
		salt, genErr := generateSalt()
		if genErr != nil {
			return genErr
		}
		if err := s.writer.WriteFile(s.saltPath(), salt, filePerm); err != nil {
			return kinderr.New(kinderr.ConfigIO, "writing .salt", err)
		}
		raw = salt
	} else if err != nil {
		return kinderr.New(kinderr.ConfigIO, "reading .salt", err)
	}

	suite, err := newCipherSuite(raw)
	if err != nil {
		return err
	}
	s.cipher = suite
	return nil
}

func (s *FileConfigStore) persist() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return kinderr.New(kinderr.ConfigInvalid, "marshaling config.json", err)
	}
	if err := s.writer.WriteFile(s.configPath(), raw, filePerm); err != nil {
		return kinderr.New(kinderr.ConfigIO, "writing config.json", err)
	}
	return nil
}

// encryptSecret returns d with Secret encrypted when d.AuthKind is
// AuthPassword and encryption is enabled. Private-key paths are never
// encrypted; they are filesystem references, not secrets at rest.
func (s *FileConfigStore) encryptSecret(d sshtransport.Descriptor) (sshtransport.Descriptor, error) {
	if !s.encryptPass || d.AuthKind != sshtransport.AuthPassword || d.Secret == "" {
		return d, nil
	}
	enc, err := s.cipher.encrypt(d.Secret)
	if err != nil {
		return d, err
	}
	d.Secret = enc
	return d, nil
}

func (s *FileConfigStore) decryptSecret(d sshtransport.Descriptor) (sshtransport.Descriptor, error) {
	if !s.encryptPass || d.AuthKind != sshtransport.AuthPassword || !isEncrypted(d.Secret) {
		return d, nil
	}
	dec, err := s.cipher.decrypt(d.Secret)
	if err != nil {
		return d, err
	}
	d.Secret = dec
	return d, nil
}

// List returns every stored connection descriptor with secrets decrypted.
func (s *FileConfigStore) List() ([]sshtransport.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sshtransport.Descriptor, 0, len(s.doc.Connections))
	for _, d := range s.doc.Connections {
		dec, err := s.decryptSecret(d)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// Get returns a single descriptor by id.
func (s *FileConfigStore) Get(id string) (sshtransport.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.doc.Connections {
		if d.ID == id {
			return s.decryptSecret(d)
		}
	}
	return sshtransport.Descriptor{}, kinderr.New(kinderr.ConfigInvalid, "connection not found: "+id, nil)
}

// Add assigns a fresh id to d (if empty) and persists it.
func (s *FileConfigStore) Add(d sshtransport.Descriptor) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := d.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encryptSecret(d)
	if err != nil {
		return "", err
	}
	s.doc.Connections = append(s.doc.Connections, enc)
	if err := s.persist(); err != nil {
		return "", err
	}
	return d.ID, nil
}

// Update replaces the stored descriptor for id with d (d.ID is forced to
// id).
func (s *FileConfigStore) Update(id string, d sshtransport.Descriptor) error {
	d.ID = id
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encryptSecret(d)
	if err != nil {
		return err
	}
	for i, existing := range s.doc.Connections {
		if existing.ID == id {
			s.doc.Connections[i] = enc
			return s.persist()
		}
	}
	return kinderr.New(kinderr.ConfigInvalid, "connection not found: "+id, nil)
}

// Remove deletes the descriptor for id, if present.
func (s *FileConfigStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.doc.Connections {
		if existing.ID == id {
			s.doc.Connections = append(s.doc.Connections[:i], s.doc.Connections[i+1:]...)
			if s.doc.LastConnectionID == id {
				s.doc.LastConnectionID = ""
			}
			return s.persist()
		}
	}
	return kinderr.New(kinderr.ConfigInvalid, "connection not found: "+id, nil)
}

// SetLastConnectionID records id as the most recently used connection.
func (s *FileConfigStore) SetLastConnectionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastConnectionID = id
	return s.persist()
}

// LastConnectionID returns the most recently used connection id, or "".
func (s *FileConfigStore) LastConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastConnectionID
}

// BrowserSettings returns the stored browser defaults.
func (s *FileConfigStore) BrowserSettings() BrowserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.BrowserSettings
}

// SetBrowserSettings persists new browser defaults.
func (s *FileConfigStore) SetBrowserSettings(b BrowserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.BrowserSettings = b
	return s.persist()
}

// PortForwardDefaults returns the stored port-forward defaults.
func (s *FileConfigStore) PortForwardDefaults() PortForwardDefaults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PortForwardDefaults
}

// SetPortForwardDefaults persists new port-forward defaults.
func (s *FileConfigStore) SetPortForwardDefaults(p PortForwardDefaults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.PortForwardDefaults = p
	return s.persist()
}
