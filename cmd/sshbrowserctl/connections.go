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

package main

import (
	"fmt"

	"github.com/gravitational/kingpin"

	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// connectionsCommand implements `sshbrowserctl connections add/list/rm`.
type connectionsCommand struct {
	add    *kingpin.CmdClause
	list   *kingpin.CmdClause
	remove *kingpin.CmdClause

	name       string
	host       string
	port       int
	username   string
	authKind   string
	secret     string
	passphrase string

	removeID string
}

func (c *connectionsCommand) Initialize(app *kingpin.Application) {
	connections := app.Command("connections", "Manage saved SSH connections")

	c.add = connections.Command("add", "Save a new connection")
	c.add.Arg("name", "Friendly name for the connection").Required().StringVar(&c.name)
	c.add.Flag("host", "Remote host").Required().StringVar(&c.host)
	c.add.Flag("port", "Remote SSH port").Default("22").IntVar(&c.port)
	c.add.Flag("username", "Remote SSH username").Required().StringVar(&c.username)
	c.add.Flag("auth", `Authentication kind: "password" or "privateKey"`).Default("privateKey").StringVar(&c.authKind)
	c.add.Flag("secret", "Password, or path to a private key when --auth=privateKey").Required().StringVar(&c.secret)
	c.add.Flag("passphrase", "Passphrase unlocking an encrypted private key").StringVar(&c.passphrase)

	c.list = connections.Command("list", "List saved connections").Alias("ls")

	c.remove = connections.Command("remove", "Delete a saved connection").Alias("rm")
	c.remove.Arg("id", "Connection id").Required().StringVar(&c.removeID)
}

func (c *connectionsCommand) RunAdd(store *configstore.FileConfigStore) error {
	descriptor := sshtransport.Descriptor{
		Name:       c.name,
		Host:       c.host,
		Port:       c.port,
		Username:   c.username,
		AuthKind:   sshtransport.AuthKind(c.authKind),
		Secret:     c.secret,
		Passphrase: c.passphrase,
	}
	if err := descriptor.Validate(); err != nil {
		return err
	}
	id, err := store.Add(descriptor)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (c *connectionsCommand) RunList(store *configstore.FileConfigStore) error {
	conns, err := store.List()
	if err != nil {
		return err
	}
	for _, conn := range conns {
		fmt.Printf("%-12s %-16s %s@%s:%d (%s)\n", conn.ID, conn.Name, conn.Username, conn.Host, conn.Port, conn.AuthKind)
	}
	return nil
}

func (c *connectionsCommand) RunRemove(store *configstore.FileConfigStore) error {
	return store.Remove(c.removeID)
}
