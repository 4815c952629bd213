// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrade sequences the whole appliance upgrade: upgrade-path
// detection, service cutover, database migration, configuration
// rewrite, cross-import and the final version stamp. Execution is
// single-threaded and strictly sequential; phase markers are the only
// durability primitive, and every fatal error aborts the run leaving
// the services non-auto-starting for the operator to inspect.
package upgrade

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/ovatools/applianceupgrade/internal/api"
	"github.com/ovatools/applianceupgrade/internal/crossimport"
	"github.com/ovatools/applianceupgrade/internal/cutover"
	"github.com/ovatools/applianceupgrade/internal/marker"
	"github.com/ovatools/applianceupgrade/internal/migrator"
	"github.com/ovatools/applianceupgrade/internal/preflight"
	"github.com/ovatools/applianceupgrade/internal/registryconf"
	"github.com/ovatools/applianceupgrade/internal/runner"
)

var logger = loggo.GetLogger("applianceupgrade.upgrade")

// ErrCancelled is returned when the operator declines the upgrade
// path confirmation. Nothing has been mutated at that point.
const ErrCancelled = errors.ConstError("upgrade cancelled by operator")

// exportedProjectsFile is the name the migrator's export step gives
// the project metadata dump inside the export directory.
const exportedProjectsFile = "projects.json"

// uiURLKey is the Registry configuration key propagated into the
// Manager; uiURLProperty is the Manager-side property name.
const (
	uiURLKey      = "ui_url"
	uiURLProperty = "registry.ui.url"
)

// readinessAttempts bounds the post-restart Manager poll.
const readinessAttempts = 30

// dockerService must be active for every phase that launches a
// container: the transitional Manager instance and the migrator tool.
const dockerService = "docker"

// ServiceManager controls the appliance's systemd services.
// Satisfied by service.Manager.
type ServiceManager interface {
	Start(name string) error
	Stop(name string) error
	Running(name string) (bool, error)
	Enable(name string) error
	Disable(name string) error
}

// APIClient is the HTTP side of the upgrade. Satisfied by api.Client.
type APIClient interface {
	Login(ctx context.Context, endpoint, username, password string) (string, error)
	RegisterAppliance(ctx context.Context, endpoint string, params api.RegistrationParams) error
	SetConfigProperty(ctx context.Context, endpoint, token, key, value string) error
	MigrateInstance(ctx context.Context, target, source, token string) error
	WaitReachable(ctx context.Context, endpoint string, attempts int) error
}

// Confirmer asks the operator a yes/no question. The CLI supplies an
// interactive implementation; scripted runs supply canned answers.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Orchestrator is the top-level driver of one upgrade attempt.
type Orchestrator struct {
	uctx      *UpgradeContext
	runner    runner.CommandRunner
	services  ServiceManager
	client    APIClient
	confirmer Confirmer
	clock     clock.Clock

	markers *marker.Store
	checker *preflight.Checker
}

// NewOrchestrator wires an Orchestrator from its collaborators. A nil
// clock selects the wall clock.
func NewOrchestrator(uctx *UpgradeContext, r runner.CommandRunner, services ServiceManager, client APIClient, confirmer Confirmer, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.WallClock
	}
	markers := marker.NewStore(uctx.Paths.MarkerDir, clk)
	return &Orchestrator{
		uctx:      uctx,
		runner:    r,
		services:  services,
		client:    client,
		confirmer: confirmer,
		clock:     clk,
		markers:   markers,
		checker:   preflight.NewChecker(services, markers),
	}
}

// Run executes the upgrade sequence. Automatic service start triggers
// are re-enabled only on full success: a failed attempt deliberately
// leaves the appliance non-auto-starting until the operator resolves
// the problem and re-runs.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.uctx.Validate(); err != nil {
		return errors.Trace(err)
	}

	if err := o.determineUpgradePath(); err != nil {
		return errors.Trace(err)
	}

	if err := o.disableAutoStart(); err != nil {
		return errors.Trace(err)
	}

	if err := o.register(ctx); err != nil {
		return errors.Trace(err)
	}

	if err := o.stampAttempt(); err != nil {
		return errors.Trace(err)
	}

	if o.uctx.FullMigration {
		if err := o.runManagerCutover(ctx); err != nil {
			return errors.Trace(err)
		}
	} else {
		if err := o.services.Start(ManagerService); err != nil {
			return errors.Annotate(err, "starting Manager service")
		}
	}

	if err := o.propagateUIURL(ctx); err != nil {
		return errors.Trace(err)
	}

	if o.uctx.FullMigration {
		if err := o.runRegistryMigration(ctx); err != nil {
			return errors.Trace(err)
		}
	} else {
		if err := o.services.Start(RegistryService); err != nil {
			return errors.Annotate(err, "starting Registry service")
		}
	}

	previous, err := StampVersion(o.uctx.Paths.VersionFile, o.uctx.NewVersion)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("version stamp updated: %q -> %q", previous, o.uctx.NewVersion)

	if err := o.enableAutoStart(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("upgrade complete")
	return nil
}

// determineUpgradePath inspects the old Manager data tree for the
// current-version authentication config. Its absence means the data
// is still on the previous major version and a full migration is
// required. The decision is confirmed with the operator before any
// mutation: picking the wrong path is unrecoverable.
func (o *Orchestrator) determineUpgradePath() error {
	authConfig := filepath.Join(o.uctx.Paths.ManagerDataDir, cutover.AuthConfigRelPath)
	full := false
	if err := o.checker.CheckFileNonEmpty(authConfig); err != nil {
		if !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		full = true
	}

	question := "Data tree is already on the current major version; refresh configuration only. Proceed?"
	if full {
		question = "Data tree is on an older major version; a full data migration will run. Proceed?"
	}
	ok, err := o.confirmer.Confirm(question)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return ErrCancelled
	}
	o.uctx.FullMigration = full
	logger.Infof("upgrade path: full migration=%v", full)
	return nil
}

func (o *Orchestrator) disableAutoStart() error {
	for _, name := range []string{ManagerService, RegistryService} {
		if err := o.services.Disable(name); err != nil {
			return errors.Annotatef(err, "disabling auto-start of %q", name)
		}
	}
	return nil
}

func (o *Orchestrator) enableAutoStart() error {
	for _, name := range []string{ManagerService, RegistryService} {
		if err := o.services.Enable(name); err != nil {
			return errors.Annotatef(err, "re-enabling auto-start of %q", name)
		}
	}
	return nil
}

// register performs the appliance registration and acquires the
// bearer token used by later phases. Both are fatal on failure.
func (o *Orchestrator) register(ctx context.Context) error {
	err := o.client.RegisterAppliance(ctx, o.uctx.Target, api.RegistrationParams{
		Target:      o.uctx.Target,
		User:        o.uctx.Username,
		Password:    o.uctx.Password,
		ExternalPSC: o.uctx.ExternalPSC,
		PSCDomain:   o.uctx.PSCDomain,
	})
	if err != nil {
		return errors.Annotate(err, "registering appliance")
	}
	token, err := o.client.Login(ctx, o.uctx.Target, o.uctx.Username, o.uctx.Password)
	if err != nil {
		return errors.Annotate(err, "retrieving authentication token")
	}
	o.uctx.Token = token
	return nil
}

// stampAttempt records when this attempt started; downstream services
// read it to suppress redundant first-run prompts.
func (o *Orchestrator) stampAttempt() error {
	stamp := o.clock.Now().UTC().Format(time.RFC3339) + "\n"
	err := utils.AtomicWriteFile(o.uctx.Paths.AttemptStampFile, []byte(stamp), 0644)
	return errors.Annotate(err, "recording attempt timestamp")
}

// phaseDone interprets a CheckPhaseNotDone failure: a pre-existing
// marker is the one benign conflict, meaning the phase completed in
// an earlier attempt and must be skipped without re-invoking its
// external tools.
func (o *Orchestrator) phaseDone(phase string) (bool, error) {
	err := o.checker.CheckPhaseNotDone(phase)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, errors.AlreadyExists) {
		logger.Infof("skipping phase %q: %v", phase, err)
		return true, nil
	}
	return false, errors.Trace(err)
}

func (o *Orchestrator) runManagerCutover(ctx context.Context) error {
	done, err := o.phaseDone(marker.ManagerUpgrade)
	if err != nil || done {
		return errors.Trace(err)
	}

	p := o.uctx.Paths
	if err := o.checker.CheckServiceActive(dockerService); err != nil {
		return errors.Trace(err)
	}
	if err := o.checker.CheckDirPresent(p.ManagerDataDir); err != nil {
		return errors.Trace(err)
	}
	if err := o.checker.CheckFileNonEmpty(p.AuthConfigSource); err != nil {
		return errors.Trace(err)
	}
	if err := o.checker.CheckDirAbsent(p.TransitionalDataDir); err != nil {
		return errors.Trace(err)
	}

	controller := cutover.NewController(cutover.Config{
		Phase:                marker.ManagerUpgrade,
		ServiceName:          ManagerService,
		OldEndpoint:          ManagerEndpoint,
		OldDataDir:           p.ManagerDataDir,
		TransitionalName:     "manager-transition",
		TransitionalEndpoint: TransitionalEndpoint,
		TransitionalDataDir:  p.TransitionalDataDir,
		PortMapping:          "8283:8282",
		Image:                o.uctx.ManagerImage,
		DataMount:            "/data",
		ArchivePath:          p.ArchivePath,
		AuthConfigSource:     p.AuthConfigSource,
		Username:             o.uctx.Username,
		Password:             o.uctx.Password,
	}, o.runner, o.services, o.client, o.markers)
	return errors.Trace(controller.Run(ctx))
}

// propagateUIURL copies the Registry's UI integration URL into the
// running Manager's configuration and restarts the Manager to apply
// it.
func (o *Orchestrator) propagateUIURL(ctx context.Context) error {
	doc, err := registryconf.Load(o.uctx.Paths.RegistryConfig)
	if err != nil {
		return errors.Trace(err)
	}
	uiURL, err := doc.Read(uiURLKey)
	if err != nil {
		return errors.Annotate(err, "reading Registry UI URL")
	}

	if err := o.services.Start(ManagerService); err != nil {
		return errors.Annotate(err, "starting Manager service")
	}
	if err := o.client.WaitReachable(ctx, ManagerEndpoint, readinessAttempts); err != nil {
		return errors.Trace(err)
	}
	token, err := o.client.Login(ctx, ManagerEndpoint, o.uctx.Username, o.uctx.Password)
	if err != nil {
		return errors.Trace(err)
	}
	if err := o.client.SetConfigProperty(ctx, ManagerEndpoint, token, uiURLProperty, uiURL); err != nil {
		return errors.Trace(err)
	}

	// Restart to apply the new property.
	if err := o.services.Stop(ManagerService); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(o.services.Start(ManagerService), "restarting Manager service")
}

// runRegistryMigration is the Registry-side phase: database
// migration, configuration rewrite and cross-import, strictly in that
// order (the rewrite creates keys the cross-import reads).
func (o *Orchestrator) runRegistryMigration(ctx context.Context) error {
	done, err := o.phaseDone(marker.RegistryUpgrade)
	if err != nil {
		return errors.Trace(err)
	}
	if done {
		// The migration already completed in an earlier attempt; the
		// service still has to come back up for the rest of the run.
		return errors.Annotate(o.services.Start(RegistryService), "starting Registry service")
	}

	p := o.uctx.Paths
	if err := o.checker.CheckServiceActive(dockerService); err != nil {
		return errors.Trace(err)
	}
	if err := o.checker.CheckDirPresent(p.RegistryDataDir); err != nil {
		return errors.Trace(err)
	}
	if err := o.checker.CheckFileNonEmpty(p.PSCTokenFile); err != nil {
		return errors.Trace(err)
	}

	// The Registry must not write to its volume while the migrator
	// owns it.
	if err := o.services.Stop(RegistryService); err != nil {
		return errors.Annotate(err, "stopping Registry service")
	}

	creds := migrator.Credentials{User: o.uctx.DBUser, Password: o.uctx.DBPassword}
	driver := migrator.NewDriver(o.runner, o.uctx.MigratorImage, p.RegistryDataDir)
	ws := migrator.Workspace{BackupDir: p.BackupDir, ExportDir: p.ExportDir}
	if err := driver.Run(creds, ws); err != nil {
		return errors.Trace(err)
	}

	if err := o.rewriteRegistryConfig(); err != nil {
		return errors.Trace(err)
	}

	coordinator := crossimport.NewCoordinator(
		o.runner, o.client, driver, o.uctx.ImportCmd, ManagerEndpoint)
	exported := filepath.Join(p.ExportDir, exportedProjectsFile)
	if err := coordinator.Run(ctx, p.PSCTokenFile, exported, creds); err != nil {
		return errors.Trace(err)
	}

	if err := o.markers.SetDone(marker.RegistryUpgrade); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(o.services.Start(RegistryService), "starting Registry service")
}

// rewriteRegistryConfig brings the Registry configuration document up
// to the new version: the database credentials become managed
// entries, and the keys introduced by the new version are added with
// generated secrets where appropriate.
func (o *Orchestrator) rewriteRegistryConfig() error {
	doc, err := registryconf.Load(o.uctx.Paths.RegistryConfig)
	if err != nil {
		return errors.Trace(err)
	}

	if _, err := doc.EnsureKey("db_user", func() (string, error) {
		return o.uctx.DBUser, nil
	}, true); err != nil {
		return errors.Trace(err)
	}
	if _, err := doc.EnsureKey("db_password", func() (string, error) {
		return o.uctx.DBPassword, nil
	}, true); err != nil {
		return errors.Trace(err)
	}
	for _, key := range []string{"db_user", "db_password"} {
		if err := doc.MarkManaged(key); err != nil {
			return errors.Trace(err)
		}
	}

	// Secrets introduced by the new version, generated at most once.
	generated := set.NewStrings("clair_db_password", "registry_secret")
	for _, key := range generated.SortedValues() {
		if _, err := doc.EnsureSecret(key); err != nil {
			return errors.Trace(err)
		}
	}

	if _, err := doc.EnsureKey("ui_url_protocol", func() (string, error) {
		return "https", nil
	}, false); err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(doc.Write())
}
