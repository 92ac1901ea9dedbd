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

package sshtransport

import (
	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

// AuthKind selects how a Descriptor authenticates to the remote host.
type AuthKind string

const (
	// AuthPassword authenticates with Descriptor.Secret as a plaintext
	// password.
	AuthPassword AuthKind = "password"
	// AuthPrivateKey authenticates with Descriptor.Secret as a filesystem
	// path to a private key (optionally "~"-prefixed).
	AuthPrivateKey AuthKind = "privateKey"
)

// Descriptor is the stable identity of a connection as defined by the data
// model: it is created by the external config store, consumed by
// SSHTransport, and never mutated by the core.
type Descriptor struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	AuthKind AuthKind `json:"authKind"`
	// Secret is a password when AuthKind is AuthPassword, or a private key
	// path when AuthKind is AuthPrivateKey. Exactly one of the two
	// interpretations applies, matching AuthKind.
	Secret string `json:"secret"`
	// Passphrase unlocks an encrypted private key. Ignored for AuthPassword.
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate enforces the descriptor invariant: exactly one of
// password/keyPath is populated, matching AuthKind.
func (d Descriptor) Validate() error {
	if d.Host == "" {
		return kinderr.NewValidationError("host", "must not be empty")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return kinderr.NewValidationError("port", "must be between 1 and 65535")
	}
	if d.Username == "" {
		return kinderr.NewValidationError("username", "must not be empty")
	}
	switch d.AuthKind {
	case AuthPassword, AuthPrivateKey:
	default:
		return kinderr.NewValidationError("authKind", "must be \"password\" or \"privateKey\"")
	}
	if d.Secret == "" {
		return kinderr.NewValidationError("secret", "must not be empty")
	}
	return nil
}
