// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ovatools/applianceupgrade/internal/api"
	"github.com/ovatools/applianceupgrade/internal/marker"
	"github.com/ovatools/applianceupgrade/internal/migrator"
	"github.com/ovatools/applianceupgrade/internal/registryconf"
	"github.com/ovatools/applianceupgrade/internal/runner/runnertest"
	"github.com/ovatools/applianceupgrade/internal/upgrade"
)

type stubServices struct {
	calls   []string
	running map[string]bool
	errOn   string
	err     error
}

func (s *stubServices) record(action, name string) error {
	call := action + " " + name
	s.calls = append(s.calls, call)
	if s.errOn != "" && call == s.errOn {
		return s.err
	}
	return nil
}

func (s *stubServices) Start(name string) error   { return s.record("start", name) }
func (s *stubServices) Stop(name string) error    { return s.record("stop", name) }
func (s *stubServices) Enable(name string) error  { return s.record("enable", name) }
func (s *stubServices) Disable(name string) error { return s.record("disable", name) }

func (s *stubServices) Running(name string) (bool, error) {
	return s.running[name], nil
}

type stubClient struct {
	calls []string

	loginErr    error
	registerErr error
	setPropErr  error
	migrateErr  error
	waitErr     map[string]error
}

func (s *stubClient) Login(_ context.Context, endpoint, username, password string) (string, error) {
	s.calls = append(s.calls, "login "+endpoint)
	if s.loginErr != nil {
		return "", s.loginErr
	}
	return "tok-1", nil
}

func (s *stubClient) RegisterAppliance(_ context.Context, endpoint string, params api.RegistrationParams) error {
	s.calls = append(s.calls, "register "+endpoint)
	return s.registerErr
}

// joined renders the recorded calls for substring assertions.
func (s *stubClient) joined() string {
	return strings.Join(s.calls, "\n")
}

func (s *stubClient) SetConfigProperty(_ context.Context, endpoint, token, key, value string) error {
	s.calls = append(s.calls, fmt.Sprintf("setprop %s %s=%s token=%s", endpoint, key, value, token))
	return s.setPropErr
}

func (s *stubClient) MigrateInstance(_ context.Context, target, source, token string) error {
	s.calls = append(s.calls, fmt.Sprintf("migrate %s <- %s token=%s", target, source, token))
	return s.migrateErr
}

func (s *stubClient) WaitReachable(_ context.Context, endpoint string, attempts int) error {
	s.calls = append(s.calls, "wait "+endpoint)
	if s.waitErr == nil {
		return nil
	}
	return s.waitErr[endpoint]
}

type stubConfirmer struct {
	questions []string
	answer    bool
	err       error
}

func (s *stubConfirmer) Confirm(question string) (bool, error) {
	s.questions = append(s.questions, question)
	return s.answer, s.err
}

const registryConfig = `# Registry configuration
hostname = reg.example.com
ui_url = https://reg.example.com
db_password = secretpw
`

type orchestratorSuite struct {
	testing.IsolationSuite

	paths     upgrade.Paths
	uctx      *upgrade.UpgradeContext
	stub      *runnertest.StubRunner
	services  *stubServices
	client    *stubClient
	confirmer *stubConfirmer
	clock     *testclock.Clock
}

var _ = gc.Suite(&orchestratorSuite{})

func (s *orchestratorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	base := c.MkDir()
	s.paths = upgrade.Paths{
		MarkerDir:           filepath.Join(base, "markers"),
		RegistryConfig:      filepath.Join(base, "registry.cfg"),
		RegistryDataDir:     filepath.Join(base, "registry-db"),
		BackupDir:           filepath.Join(base, "backup"),
		ExportDir:           filepath.Join(base, "export"),
		ManagerDataDir:      filepath.Join(base, "manager"),
		TransitionalDataDir: filepath.Join(base, "manager-transition"),
		ArchivePath:         filepath.Join(base, "manager-pre-upgrade.tar.gz"),
		AuthConfigSource:    filepath.Join(base, "auth-config.properties"),
		PSCTokenFile:        filepath.Join(base, "psc-token"),
		VersionFile:         filepath.Join(base, "version"),
		AttemptStampFile:    filepath.Join(base, "upgrade-attempt"),
	}

	err := os.WriteFile(s.paths.RegistryConfig, []byte(registryConfig), 0644)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(os.MkdirAll(s.paths.RegistryDataDir, 0700), jc.ErrorIsNil)
	c.Assert(os.MkdirAll(filepath.Join(s.paths.ManagerDataDir, "certs"), 0700), jc.ErrorIsNil)
	err = os.WriteFile(filepath.Join(s.paths.ManagerDataDir, "certs", "server.crt"), []byte("CERT\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)
	err = os.WriteFile(filepath.Join(s.paths.ManagerDataDir, "state.db"), []byte("old-state"), 0600)
	c.Assert(err, jc.ErrorIsNil)
	err = os.WriteFile(s.paths.AuthConfigSource, []byte("auth=psc\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)
	err = os.WriteFile(s.paths.PSCTokenFile, []byte("psc-token-data\n"), 0600)
	c.Assert(err, jc.ErrorIsNil)
	err = os.WriteFile(s.paths.VersionFile, []byte("v1.1.0\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)

	s.uctx = &upgrade.UpgradeContext{
		Paths:         s.paths,
		DBUser:        "registry",
		DBPassword:    "secretpw",
		Target:        "https://psc.example.com",
		Username:      "administrator",
		Password:      "adminpw",
		ExternalPSC:   "psc.example.com",
		PSCDomain:     "example.com",
		NewVersion:    "v2.0.0",
		MigratorImage: "migrator-img:2.0",
		ManagerImage:  "manager-img:2.0",
		ImportCmd:     "/usr/local/bin/import-projects",
	}

	s.stub = runnertest.NewStubRunner()
	s.services = &stubServices{running: map[string]bool{"docker": true}}
	s.client = &stubClient{}
	s.confirmer = &stubConfirmer{answer: true}
	s.clock = testclock.NewClock(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))
}

func (s *orchestratorSuite) newOrchestrator() *upgrade.Orchestrator {
	return upgrade.NewOrchestrator(
		s.uctx, s.stub, s.services, s.client, s.confirmer, s.clock)
}

// markCurrentVersion makes the old data tree look like it already ran
// the current major version, selecting the config-refresh path.
func (s *orchestratorSuite) markCurrentVersion(c *gc.C) {
	path := filepath.Join(s.paths.ManagerDataDir, "configs", "auth-config.properties")
	c.Assert(os.MkdirAll(filepath.Dir(path), 0700), jc.ErrorIsNil)
	c.Assert(os.WriteFile(path, []byte("auth=psc\n"), 0600), jc.ErrorIsNil)
}

func (s *orchestratorSuite) TestFullMigration(c *gc.C) {
	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.confirmer.questions, gc.HasLen, 1)
	c.Assert(s.confirmer.questions[0], gc.Matches, ".*full data migration.*")

	// Both phase markers were written with the attempt clock.
	for _, phase := range []string{marker.ManagerUpgrade, marker.RegistryUpgrade} {
		data, err := os.ReadFile(filepath.Join(s.paths.MarkerDir, phase))
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(string(data), gc.Equals, "2026-02-03T04:05:06Z\n")
	}

	// The transitional data tree was promoted into the canonical path.
	_, err = os.Stat(s.paths.TransitionalDataDir)
	c.Assert(err, jc.Satisfies, os.IsNotExist)
	data, err := os.ReadFile(filepath.Join(s.paths.ManagerDataDir, "certs", "server.crt"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "CERT\n")
	data, err = os.ReadFile(filepath.Join(s.paths.ManagerDataDir, "configs", "auth-config.properties"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "auth=psc\n")
	_, err = os.Stat(filepath.Join(s.paths.ManagerDataDir, "state.db"))
	c.Assert(err, jc.Satisfies, os.IsNotExist)
	_, err = os.Stat(s.paths.ArchivePath)
	c.Assert(err, jc.ErrorIsNil)

	// Version and attempt stamps.
	data, err = os.ReadFile(s.paths.VersionFile)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "v2.0.0\n")
	data, err = os.ReadFile(s.paths.AttemptStampFile)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "2026-02-03T04:05:06Z\n")

	// External tool invocations, in order: transitional instance
	// lifecycle, the four migrator steps, the cross-import pair.
	c.Assert(s.stub.Commands, gc.HasLen, 9)
	c.Assert(s.stub.Commands[0], gc.Matches,
		"docker run -d --name manager-transition -p 8283:8282 -v .* manager-img:2.0")
	c.Assert(s.stub.Commands[1], gc.Equals, "docker stop manager-transition")
	c.Assert(s.stub.Commands[2], gc.Equals, "docker rm manager-transition")
	c.Assert(s.stub.Commands[3], gc.Matches, "docker run --rm .* migrator-img:2.0 test")
	c.Assert(s.stub.Commands[4], gc.Matches, "docker run --rm .* migrator-img:2.0 backup")
	c.Assert(s.stub.Commands[5], gc.Matches, "docker run --rm .* migrator-img:2.0 up head")
	c.Assert(s.stub.Commands[6], gc.Matches, "docker run --rm .* migrator-img:2.0 export")
	c.Assert(s.stub.Commands[7], gc.Matches,
		"/usr/local/bin/import-projects --endpoint https://localhost:8282 .*")
	c.Assert(s.stub.Commands[8], gc.Matches, "docker run --rm .* migrator-img:2.0 mapprojects")

	// Instance migration ran against the transitional endpoint.
	c.Assert(s.client.joined(), jc.Contains,
		"migrate https://localhost:8283 <- https://localhost:8282 token=tok-1")
	c.Assert(s.client.joined(), jc.Contains,
		"setprop https://localhost:8282 registry.ui.url=https://reg.example.com token=tok-1")

	// Auto-start was disabled up front and re-enabled only at the end.
	c.Assert(s.services.calls[0], gc.Equals, "disable manager")
	c.Assert(s.services.calls[1], gc.Equals, "disable registry")
	n := len(s.services.calls)
	c.Assert(s.services.calls[n-2:], gc.DeepEquals, []string{"enable manager", "enable registry"})
}

func (s *orchestratorSuite) TestFullMigrationRewritesRegistryConfig(c *gc.C) {
	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	doc, err := registryconf.Load(s.paths.RegistryConfig)
	c.Assert(err, jc.ErrorIsNil)

	// Pre-existing credentials kept their values and became managed.
	value, err := doc.Read("db_password")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(value, gc.Equals, "secretpw")
	value, err = doc.Read("db_user")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(value, gc.Equals, "registry")

	// New-version secrets were generated.
	for _, key := range []string{"clair_db_password", "registry_secret"} {
		value, err := doc.Read(key)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(value, gc.Matches, "[0-9a-f]{32}")
	}
	value, err = doc.Read("ui_url_protocol")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(value, gc.Equals, "https")

	raw, err := os.ReadFile(s.paths.RegistryConfig)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(strings.Contains(string(raw),
		registryconf.ManagedMarker+"\ndb_password = secretpw"), jc.IsTrue)
}

func (s *orchestratorSuite) TestConfigRefresh(c *gc.C) {
	s.markCurrentVersion(c)

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.confirmer.questions[0], gc.Matches, ".*refresh configuration only.*")

	// No external tools run on the refresh path.
	c.Assert(s.stub.Commands, gc.HasLen, 0)

	// No phase markers are involved.
	for _, phase := range []string{marker.ManagerUpgrade, marker.RegistryUpgrade} {
		_, err := os.Stat(filepath.Join(s.paths.MarkerDir, phase))
		c.Assert(err, jc.Satisfies, os.IsNotExist)
	}

	// The UI URL is still propagated and the version still stamped.
	c.Assert(s.client.joined(), jc.Contains,
		"setprop https://localhost:8282 registry.ui.url=https://reg.example.com token=tok-1")
	data, err := os.ReadFile(s.paths.VersionFile)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "v2.0.0\n")

	c.Assert(s.services.calls, gc.DeepEquals, []string{
		"disable manager", "disable registry",
		"start manager",
		"start manager", "stop manager", "start manager",
		"start registry",
		"enable manager", "enable registry",
	})
}

func (s *orchestratorSuite) TestMarkersSkipCompletedPhases(c *gc.C) {
	// A previous attempt finished both phases; the data tree is still
	// pre-upgrade so the full path is selected again.
	c.Assert(os.MkdirAll(s.paths.MarkerDir, 0755), jc.ErrorIsNil)
	for _, phase := range []string{marker.ManagerUpgrade, marker.RegistryUpgrade} {
		err := os.WriteFile(filepath.Join(s.paths.MarkerDir, phase),
			[]byte("2026-01-01T00:00:00Z\n"), 0644)
		c.Assert(err, jc.ErrorIsNil)
	}

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	// Neither phase re-invoked its external tools.
	c.Assert(s.stub.Commands, gc.HasLen, 0)
	c.Assert(s.client.joined(), jc.Contains, "register https://psc.example.com")

	// Both services were brought back up and re-enabled.
	c.Assert(strings.Join(s.services.calls, "\n"), jc.Contains, "start registry")
	n := len(s.services.calls)
	c.Assert(s.services.calls[n-2:], gc.DeepEquals, []string{"enable manager", "enable registry"})

	// The pre-existing markers were left untouched.
	data, err := os.ReadFile(filepath.Join(s.paths.MarkerDir, marker.ManagerUpgrade))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "2026-01-01T00:00:00Z\n")
}

func (s *orchestratorSuite) TestOperatorCancels(c *gc.C) {
	s.confirmer.answer = false

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIs, upgrade.ErrCancelled)

	// Nothing was touched.
	c.Assert(s.services.calls, gc.HasLen, 0)
	c.Assert(s.client.calls, gc.HasLen, 0)
	c.Assert(s.stub.Commands, gc.HasLen, 0)
	_, err = os.Stat(s.paths.AttemptStampFile)
	c.Assert(err, jc.Satisfies, os.IsNotExist)
}

func (s *orchestratorSuite) TestRegistrationFailureIsFatal(c *gc.C) {
	s.client.registerErr = errors.New("registration rejected")

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, gc.ErrorMatches, "registering appliance: registration rejected")

	// Auto-start stays disabled after a failed attempt.
	c.Assert(s.services.calls, gc.DeepEquals, []string{"disable manager", "disable registry"})
	c.Assert(s.stub.Commands, gc.HasLen, 0)
}

func (s *orchestratorSuite) TestMigratorFailureLeavesNoRegistryMarker(c *gc.C) {
	s.stub.FailOn("migrator-img:2.0 export", 1, "export failed")

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIs, migrator.ErrExportFailed)

	// The Manager cutover had already completed and stays recorded;
	// the Registry phase must re-run on the next attempt.
	_, err = os.Stat(filepath.Join(s.paths.MarkerDir, marker.ManagerUpgrade))
	c.Assert(err, jc.ErrorIsNil)
	_, err = os.Stat(filepath.Join(s.paths.MarkerDir, marker.RegistryUpgrade))
	c.Assert(err, jc.Satisfies, os.IsNotExist)

	for _, call := range s.services.calls {
		c.Assert(strings.HasPrefix(call, "enable"), jc.IsFalse)
	}
	// The backup from the failed attempt is retained for diagnosis.
	_, err = os.Stat(s.paths.BackupDir)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *orchestratorSuite) TestInactiveDockerFailsPreflight(c *gc.C) {
	s.services.running["docker"] = false

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `service "docker" is not active; start it and re-run the upgrade`)

	// Nothing launched and no marker written.
	c.Assert(s.stub.Commands, gc.HasLen, 0)
	_, err = os.Stat(filepath.Join(s.paths.MarkerDir, marker.ManagerUpgrade))
	c.Assert(err, jc.Satisfies, os.IsNotExist)
}

func (s *orchestratorSuite) TestValidateRejectsMissingDBPassword(c *gc.C) {
	s.uctx.DBPassword = ""

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, "unresolvable database password not valid")
	c.Assert(s.confirmer.questions, gc.HasLen, 0)
}

func (s *orchestratorSuite) TestInstanceMigrationFailureAbortsBeforeSwap(c *gc.C) {
	s.client.migrateErr = errors.New("transfer refused")

	err := s.newOrchestrator().Run(context.Background())
	c.Assert(err, gc.ErrorMatches, ".*transfer refused.*")

	// The old data tree is intact and the transitional one retained.
	_, err = os.Stat(filepath.Join(s.paths.ManagerDataDir, "state.db"))
	c.Assert(err, jc.ErrorIsNil)
	_, err = os.Stat(s.paths.TransitionalDataDir)
	c.Assert(err, jc.ErrorIsNil)
	_, err = os.Stat(filepath.Join(s.paths.MarkerDir, marker.ManagerUpgrade))
	c.Assert(err, jc.Satisfies, os.IsNotExist)
}
