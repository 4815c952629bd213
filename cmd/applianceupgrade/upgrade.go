// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"github.com/ovatools/applianceupgrade/internal/api"
	"github.com/ovatools/applianceupgrade/internal/registryconf"
	"github.com/ovatools/applianceupgrade/internal/runner"
	"github.com/ovatools/applianceupgrade/internal/service"
	"github.com/ovatools/applianceupgrade/internal/upgrade"
)

var logger = loggo.GetLogger("applianceupgrade.cmd")

const upgradeDoc = `
Upgrade the appliance in place. The command detects whether the
persistent data tree is still on the previous major version; if so it
performs the full migration (Manager instance cutover, Registry
database migration, project cross-import), otherwise it refreshes the
configuration only.

The upgrade is resumable: each completed phase leaves a marker file
and a re-run skips completed phases. Markers are never removed
automatically.

The Registry database password is taken from --dbpass, falling back
to the Registry configuration document, falling back to an
interactive prompt.
`

// Shipped defaults for the external tooling. Overridable for
// development installs.
const (
	defaultMigratorImage = "appliance/db-migrator:2.0.0"
	defaultManagerImage  = "appliance/manager:2.0.0"
	defaultImportCmd     = "/usr/local/bin/import-projects"
	defaultVersion       = "v2.0.0"
	defaultDBUser        = "registry"
)

type upgradeCommand struct {
	cmd.CommandBase
	log cmd.Log

	dbUser     string
	dbPassword string

	target      string
	username    string
	password    string
	externalPSC string
	pscDomain   string

	newVersion    string
	migratorImage string
	managerImage  string
	importCmd     string

	assumeYes bool
}

func newUpgradeCommand() cmd.Command {
	return &upgradeCommand{}
}

// Info implements cmd.Command.
func (c *upgradeCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "appliance-upgrade",
		Purpose: "Upgrade the appliance's Registry and Manager services in place.",
		Doc:     strings.TrimSpace(upgradeDoc),
	}
}

// SetFlags implements cmd.Command.
func (c *upgradeCommand) SetFlags(f *gnuflag.FlagSet) {
	c.log.AddFlags(f)

	f.StringVar(&c.dbUser, "dbuser", defaultDBUser, "Registry database user")
	f.StringVar(&c.dbPassword, "dbpass", "", "Registry database password")

	f.StringVar(&c.target, "target", "", "management endpoint URL to register against")
	f.StringVar(&c.username, "username", "", "management endpoint user")
	f.StringVar(&c.password, "password", "", "management endpoint password")
	f.StringVar(&c.externalPSC, "external-psc", "", "external PSC address, if any")
	f.StringVar(&c.pscDomain, "external-psc-domain", "", "external PSC domain, if any")

	f.StringVar(&c.newVersion, "tag", defaultVersion, "version tag recorded on success")
	f.StringVar(&c.migratorImage, "migrator-image", defaultMigratorImage, "database migration tool image")
	f.StringVar(&c.managerImage, "manager-image", defaultManagerImage, "new Manager image")
	f.StringVar(&c.importCmd, "import-cmd", defaultImportCmd, "project import utility")

	f.BoolVar(&c.assumeYes, "y", false, "answer yes to confirmation prompts")
	f.BoolVar(&c.assumeYes, "yes", false, "")
}

// Init implements cmd.Command.
func (c *upgradeCommand) Init(args []string) error {
	if c.target == "" {
		return errors.NotValidf("missing --target")
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *upgradeCommand) Run(ctx *cmd.Context) error {
	if err := c.log.Start(ctx); err != nil {
		return errors.Trace(err)
	}

	paths := upgrade.DefaultPaths()
	dbPassword, err := c.resolveDBPassword(ctx, paths.RegistryConfig)
	if err != nil {
		return errors.Trace(err)
	}
	if c.password == "" {
		fmt.Fprintf(ctx.Stderr, "Password for %s: ", c.username)
		if c.password, err = readLine(ctx); err != nil {
			return errors.Annotate(err, "reading management endpoint password")
		}
	}

	uctx := &upgrade.UpgradeContext{
		Paths:         paths,
		DBUser:        c.dbUser,
		DBPassword:    dbPassword,
		Target:        c.target,
		Username:      c.username,
		Password:      c.password,
		ExternalPSC:   c.externalPSC,
		PSCDomain:     c.pscDomain,
		NewVersion:    c.newVersion,
		MigratorImage: c.migratorImage,
		ManagerImage:  c.managerImage,
		ImportCmd:     c.importCmd,
	}

	orch := upgrade.NewOrchestrator(
		uctx,
		runner.Default(),
		service.NewManager(nil),
		api.NewClient(nil, nil),
		&promptConfirmer{ctx: ctx, assumeYes: c.assumeYes},
		nil,
	)
	if err := orch.Run(context.Background()); err != nil {
		if errors.Is(err, upgrade.ErrCancelled) {
			ctx.Infof("upgrade cancelled")
			return cmd.ErrSilent
		}
		return errors.Trace(err)
	}
	ctx.Infof("upgrade to %s complete", c.newVersion)
	return nil
}

// resolveDBPassword resolves the Registry database password: the flag
// wins, then the configuration document, then an interactive prompt.
func (c *upgradeCommand) resolveDBPassword(ctx *cmd.Context, configPath string) (string, error) {
	if c.dbPassword != "" {
		return c.dbPassword, nil
	}
	doc, err := registryconf.Load(configPath)
	if err == nil {
		if password, err := doc.Read("db_password"); err == nil && password != "" {
			logger.Debugf("database password taken from %s", configPath)
			return password, nil
		}
	} else if !errors.Is(err, errors.NotFound) {
		return "", errors.Trace(err)
	}

	fmt.Fprint(ctx.Stderr, "Registry database password: ")
	password, err := readLine(ctx)
	if err != nil {
		return "", errors.Annotate(err, "reading database password")
	}
	return password, nil
}

type promptConfirmer struct {
	ctx       *cmd.Context
	assumeYes bool
}

// Confirm asks the operator the given yes/no question on the command's
// terminal. --yes short-circuits to true.
func (p *promptConfirmer) Confirm(question string) (bool, error) {
	if p.assumeYes {
		return true, nil
	}
	fmt.Fprintf(p.ctx.Stderr, "%s [y/N] ", question)
	answer, err := readLine(p.ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func readLine(ctx *cmd.Context) (string, error) {
	line, err := bufio.NewReader(ctx.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Trace(err)
	}
	return strings.TrimSpace(line), nil
}
