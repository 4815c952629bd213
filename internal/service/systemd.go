// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service controls the appliance's systemd units: starting
// and stopping the Registry and Manager services, and toggling their
// automatic (re)start triggers for the duration of an upgrade.
package service

import (
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("applianceupgrade.service")

// DBusAPI is the narrow slice of the systemd D-Bus connection this
// package uses. Tests substitute a stub connection.
type DBusAPI interface {
	Close()
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(name, mode string, ch chan<- string) (int, error)
	StopUnit(name, mode string, ch chan<- string) (int, error)
	EnableUnitFiles(files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFiles(files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
}

// DBusAPIFactory opens a new D-Bus connection.
type DBusAPIFactory = func() (DBusAPI, error)

// NewDBusAPI is the production connection factory.
var NewDBusAPI DBusAPIFactory = func() (DBusAPI, error) {
	return dbus.New()
}

// Manager starts, stops and (dis)enables systemd services by name.
type Manager struct {
	newDBus DBusAPIFactory
}

// NewManager returns a Manager using the given connection factory,
// or the production one if nil.
func NewManager(newDBus DBusAPIFactory) *Manager {
	if newDBus == nil {
		newDBus = NewDBusAPI
	}
	return &Manager{newDBus: newDBus}
}

func unitName(name string) string {
	return name + ".service"
}

// Running reports whether the named service is loaded and active.
func (m *Manager) Running(name string) (bool, error) {
	conn, err := m.newDBus()
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return false, errors.Annotatef(err, "listing units for %q", name)
	}
	unit := unitName(name)
	for _, u := range units {
		if u.Name == unit {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Start starts the named service and blocks until systemd reports a
// result. Starting an already running service is a no-op.
func (m *Manager) Start(name string) error {
	running, err := m.Running(name)
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		logger.Debugf("service %q already running", name)
		return nil
	}

	conn, err := m.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := make(chan string)
	if _, err := conn.StartUnit(unitName(name), "fail", statusCh); err != nil {
		return errors.Annotatef(err, "dbus start request for %q", name)
	}
	if status := <-statusCh; status != "done" {
		return errors.Errorf("starting service %q: %s", name, status)
	}
	logger.Infof("service %q started", name)
	return nil
}

// Stop stops the named service and blocks until systemd reports a
// result. Stopping a stopped service is a no-op.
func (m *Manager) Stop(name string) error {
	running, err := m.Running(name)
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		logger.Debugf("service %q not running", name)
		return nil
	}

	conn, err := m.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := make(chan string)
	if _, err := conn.StopUnit(unitName(name), "fail", statusCh); err != nil {
		return errors.Annotatef(err, "dbus stop request for %q", name)
	}
	if status := <-statusCh; status != "done" {
		return errors.Errorf("stopping service %q: %s", name, status)
	}
	logger.Infof("service %q stopped", name)
	return nil
}

// Enable re-enables the automatic start trigger of the named service.
func (m *Manager) Enable(name string) error {
	conn, err := m.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if _, _, err := conn.EnableUnitFiles([]string{unitName(name)}, false, true); err != nil {
		return errors.Annotatef(err, "enabling service %q", name)
	}
	logger.Infof("service %q enabled", name)
	return nil
}

// Disable removes the automatic start trigger of the named service.
// The unit itself keeps running; only (re)start-on-boot is suppressed.
func (m *Manager) Disable(name string) error {
	conn, err := m.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if _, err := conn.DisableUnitFiles([]string{unitName(name)}, false); err != nil {
		return errors.Annotatef(err, "disabling service %q", name)
	}
	logger.Infof("service %q disabled", name)
	return nil
}
