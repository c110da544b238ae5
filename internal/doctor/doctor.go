// Package doctor runs environment checks for the supervisor: config
// hygiene, database health, keyring availability, channel token formats,
// and PTY support.
package doctor

import (
	"fmt"
	"os"
	"runtime"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/db"
)

// Status grades a check outcome.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one named check result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full doctor output.
type Report struct {
	Checks []Check `json:"checks"`
}

// OK reports whether no check failed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return false
		}
	}
	return true
}

func (r *Report) add(name string, status Status, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

// Options point the doctor at the installation under examination.
type Options struct {
	ConfigPath string
	DBPath     string
	// KeychainProbe reports whether the OS keychain accepted a probe write;
	// the caller runs the probe so doctor itself never touches key material.
	KeychainProbe func() bool
}

// Run executes all checks and returns the report. Checks never abort each
// other; a broken database still lets the config check report.
func Run(opts Options) Report {
	var report Report
	checkConfig(&report, opts.ConfigPath)
	checkDatabase(&report, opts.DBPath)
	checkKeychain(&report, opts.KeychainProbe)
	checkPTY(&report)
	return report
}

func checkConfig(report *Report, configPath string) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	info, err := os.Stat(configPath)
	if os.IsNotExist(err) {
		report.add("config", StatusWarn, fmt.Sprintf("no config file at %s; defaults in effect", configPath))
		return
	}
	if err != nil {
		report.add("config", StatusFail, fmt.Sprintf("cannot stat config: %v", err))
		return
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		report.add("config_permissions", StatusFail,
			fmt.Sprintf("config is %v; tokens must be owner-only (0600)", info.Mode().Perm()))
	} else {
		report.add("config_permissions", StatusOK, "")
	}

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		report.add("config", StatusFail, err.Error())
		return
	}
	report.add("config", StatusOK, "")

	if !cfg.Telegram.Enabled() && !cfg.Slack.Enabled() {
		report.add("channels", StatusWarn, "no channel configured; prompts can only be answered locally")
	} else {
		report.add("channels", StatusOK, "")
	}
}

func checkDatabase(report *Report, dbPath string) {
	if dbPath == "" {
		dbPath = db.DefaultPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		report.add("database", StatusWarn, "no database yet; created on first run")
		return
	}

	conn, err := db.OpenReader(dbPath)
	if err != nil {
		report.add("database", StatusFail, fmt.Sprintf("cannot open database: %v", err))
		return
	}
	defer func() { _ = conn.Close() }()

	var result string
	if err := conn.QueryRow("PRAGMA quick_check").Scan(&result); err != nil || result != "ok" {
		report.add("database", StatusFail, fmt.Sprintf("quick_check: %s (%v)", result, err))
		return
	}
	version, err := db.SchemaVersion(conn)
	if err != nil {
		report.add("database", StatusFail, err.Error())
		return
	}
	if version < db.TargetVersion() {
		report.add("database", StatusWarn,
			fmt.Sprintf("schema version %d behind target %d; run `atlasbridge db migrate`", version, db.TargetVersion()))
	} else {
		report.add("database", StatusOK, "")
	}

	verify, err := audit.Verify(conn)
	switch {
	case err != nil:
		report.add("audit_chain", StatusFail, err.Error())
	case !verify.OK:
		report.add("audit_chain", StatusFail, verify.Problems[0])
	default:
		report.add("audit_chain", StatusOK, fmt.Sprintf("%d events verified", verify.Checked))
	}
}

func checkKeychain(report *Report, probe func() bool) {
	if probe == nil {
		report.add("keychain", StatusWarn, "probe skipped")
		return
	}
	if probe() {
		report.add("keychain", StatusOK, "")
	} else {
		report.add("keychain", StatusWarn, "OS keychain unreachable; keys fall back to encrypted files")
	}
}

func checkPTY(report *Report) {
	switch runtime.GOOS {
	case "windows":
		report.add("pty", StatusOK, "ConPTY (pause/resume unavailable)")
	default:
		report.add("pty", StatusOK, "unix pty")
	}
}
