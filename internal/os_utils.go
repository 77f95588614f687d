package internal

import (
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

const (
	LinuxUser    = "laura-camera"
	LinuxBin     = "/usr/local/bin/laura-camera-client"
	LinuxLogDir  = "/var/log/laura-camera-client"
	linuxService = "laura-camera-client"
)

// LinuxConfigFile is where the service reads its configuration.
var LinuxConfigFile = filepath.Join(LinuxConfigDir, "config.json")

// runStep runs one setup command and logs the outcome.
func runStep(step string, name string, args ...string) error {
	log.Infof("%s : %s", step, name)
	if err := exec.Command(name, args...).Run(); err != nil {
		log.Warnf("%s failed : %s", step, err.Error())
		return err
	}
	return nil
}

// PrepareLinuxServiceEnv creates the service user, installs the binary and
// creates the config and log directories. configPath is copied into the
// config directory when it exists.
func PrepareLinuxServiceEnv(configPath string) error {
	// the user usually exists already on reinstall
	runStep("creating service user", "useradd", "-r", "-s", "/bin/false", LinuxUser)

	binary, err := os.Executable()
	if err != nil {
		return err
	}
	if err := runStep("installing binary", "cp", "-f", binary, LinuxBin); err != nil {
		return err
	}
	if err := os.MkdirAll(LinuxConfigDir, 0750); err != nil {
		return err
	}
	if _, err := os.Stat(configPath); err == nil && configPath != LinuxConfigFile {
		if err := runStep("copying config", "cp", configPath, LinuxConfigFile); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(LinuxLogDir, 0750); err != nil {
		return err
	}
	return runStep("changing log directory owner", "chown", "-R", LinuxUser+":"+LinuxUser, LinuxLogDir)
}

// RemoveLinuxServiceEnv undoes PrepareLinuxServiceEnv. Failures are logged and
// the remaining steps still run.
func RemoveLinuxServiceEnv() error {
	runStep("removing service user", "userdel", "-r", LinuxUser)
	for _, path := range []string{LinuxBin, LinuxConfigFile} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("removing %s failed : %s", path, err.Error())
		}
	}
	if err := os.RemoveAll(LinuxLogDir); err != nil {
		log.Warnf("removing %s failed : %s", LinuxLogDir, err.Error())
	}
	return nil
}

// UpdateLinuxServiceBinary replaces the installed binary with the running one
// and restarts the service.
func UpdateLinuxServiceBinary() error {
	log.Warn("Updating the service binary, this usually needs root privileges")
	runStep("stopping service", "systemctl", "stop", linuxService)
	binary, err := os.Executable()
	if err != nil {
		return err
	}
	if err := runStep("installing binary", "cp", "-f", binary, LinuxBin); err != nil {
		return err
	}
	return runStep("starting service", "systemctl", "start", linuxService)
}
