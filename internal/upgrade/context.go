// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"github.com/juju/errors"
)

// Service and endpoint identities of the two appliance services.
const (
	ManagerService  = "manager"
	RegistryService = "registry"

	// ManagerEndpoint is the Manager's API address on its original
	// port; TransitionalEndpoint is the alternate-port address used
	// only during the cutover transfer window.
	ManagerEndpoint      = "https://localhost:8282"
	TransitionalEndpoint = "https://localhost:8283"
)

// Paths is the fixed persistent-state layout of the appliance. All
// fields have working defaults; tests point them into a scratch tree.
type Paths struct {
	// MarkerDir holds the phase completion markers.
	MarkerDir string
	// RegistryConfig is the Registry's key=value configuration
	// document.
	RegistryConfig string
	// RegistryDataDir is the Registry's database volume, bind-mounted
	// into the external migrator.
	RegistryDataDir string
	// BackupDir and ExportDir form the transient migration workspace.
	BackupDir string
	ExportDir string
	// ManagerDataDir is the Manager's canonical data directory;
	// TransitionalDataDir and ArchivePath exist only during cutover.
	ManagerDataDir      string
	TransitionalDataDir string
	ArchivePath         string
	// AuthConfigSource is the new-version authentication config
	// shipped with the upgrade bundle, merged into the transitional
	// instance.
	AuthConfigSource string
	// PSCTokenFile must exist and be non-empty before cross-import.
	PSCTokenFile string
	// VersionFile records the installed version, one line.
	VersionFile string
	// AttemptStampFile records when the current upgrade attempt
	// started; downstream services use it to suppress redundant
	// first-run prompts.
	AttemptStampFile string
}

// DefaultPaths returns the appliance's production layout.
func DefaultPaths() Paths {
	return Paths{
		MarkerDir:           "/var/lib/appliance/upgrade",
		RegistryConfig:      "/etc/appliance/registry.cfg",
		RegistryDataDir:     "/storage/db/registry",
		BackupDir:           "/storage/backup/registry-db",
		ExportDir:           "/storage/backup/registry-export",
		ManagerDataDir:      "/storage/manager",
		TransitionalDataDir: "/storage/manager-transition",
		ArchivePath:         "/storage/manager-pre-upgrade.tar.gz",
		AuthConfigSource:    "/etc/appliance/auth-config.properties",
		PSCTokenFile:        "/etc/appliance/psc-token",
		VersionFile:         "/etc/appliance/version",
		AttemptStampFile:    "/etc/appliance/upgrade-attempt",
	}
}

// UpgradeContext threads every input of an upgrade attempt through
// the components: credentials, endpoints, paths and computed flags.
// Nothing in the orchestration reads ambient global state.
type UpgradeContext struct {
	Paths Paths

	// Registry database credentials.
	DBUser     string
	DBPassword string

	// Management endpoint registration inputs.
	Target      string
	Username    string
	Password    string
	ExternalPSC string
	PSCDomain   string

	// NewVersion is the version tag stamped after success.
	NewVersion string

	// MigratorImage is the external database migration tool.
	MigratorImage string
	// ManagerImage is the new Manager image run as the transitional
	// instance.
	ManagerImage string
	// ImportCmd is the external project import utility.
	ImportCmd string

	// FullMigration is computed from the old data tree: true when the
	// appliance is still on the previous major version.
	FullMigration bool
	// Token is the bearer token acquired during registration.
	Token string
}

// Validate rejects a context that cannot possibly drive an upgrade.
func (u *UpgradeContext) Validate() error {
	if u.DBUser == "" {
		return errors.NotValidf("empty database user")
	}
	if u.DBPassword == "" {
		return errors.NotValidf("unresolvable database password")
	}
	if u.Target == "" {
		return errors.NotValidf("empty management endpoint target")
	}
	if u.NewVersion == "" {
		return errors.NotValidf("empty target version")
	}
	return nil
}
