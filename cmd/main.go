/*
Copyright 2025 Sidefx Labs Authors.

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
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidefxlabs/sidefx"
	"github.com/sidefxlabs/sidefx/config"
	"github.com/sidefxlabs/sidefx/database"
	"github.com/sidefxlabs/sidefx/internal/notification"
)

// Sidefx represents the CLI application, encapsulating the root Cobra command.
type Sidefx struct {
	cmd *cobra.Command
}

// sidefxInstance holds the runtime service instance and its configuration,
// shared across the CLI subcommands.
type sidefxInstance struct {
	sidefx *sidefx.Sidefx
	cnf    *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the service instance
// before running any command.
func preRun(app *sidefxInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("sidefx.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newSidefx, err := setupSidefx(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.sidefx = newSidefx
		app.cnf = cnf

		return nil
	}
}

// setupSidefx creates and initializes a new service instance backed by the
// configured effect ledger datasource.
func setupSidefx(cfg *config.Configuration) (*sidefx.Sidefx, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newSidefx, err := sidefx.NewSidefx(db)
	if err != nil {
		return nil, fmt.Errorf("error creating sidefx: %v", err)
	}
	return newSidefx, nil
}

// NewCLI creates the command-line interface for the service. It sets up the
// root command and the server, workers and migrate subcommands.
func NewCLI() *Sidefx {
	var configFile string
	b := &sidefxInstance{}

	var rootCmd = &cobra.Command{
		Use:   "sidefx",
		Short: "At-most-once side-effect execution over an at-least-once queue",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./sidefx.json", "Configuration file for sidefx")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Sidefx{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Sidefx) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	cli := NewCLI()
	cli.executeCLI()
}