// Package preflight runs the checks a download must pass before it starts.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/codepush/internal/logging"
)

var log = logging.L("preflight")

// ErrPreflightFailed indicates a pre-flight check failed before a download
// could proceed.
type ErrPreflightFailed struct {
	Check   string // "disk_space" or "writable"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// Options configures which checks run.
type Options struct {
	Dir          string
	MinFreeBytes uint64
}

// Check is one individual check result.
type Check struct {
	Name    string
	Passed  bool
	Message string
}

// Result captures the outcome of all checks.
type Result struct {
	OK     bool
	Checks []Check
}

// FirstError returns the first failed check as an error, or nil.
func (r Result) FirstError() error {
	for _, c := range r.Checks {
		if !c.Passed {
			return &ErrPreflightFailed{Check: c.Name, Message: c.Message}
		}
	}
	return nil
}

// usageFunc is replaced in tests.
var usageFunc = disk.Usage

// Run executes every check for opts.
func Run(opts Options) Result {
	checks := []Check{checkWritable(opts.Dir)}
	if opts.MinFreeBytes > 0 {
		checks = append(checks, checkDiskSpace(opts.Dir, opts.MinFreeBytes))
	}

	result := Result{OK: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			result.OK = false
		}
	}
	return result
}

// CheckDiskSpace fails when the volume holding dir has less than
// minFreeBytes available. If usage cannot be determined the check passes.
func CheckDiskSpace(dir string, minFreeBytes uint64) error {
	c := checkDiskSpace(dir, minFreeBytes)
	if !c.Passed {
		return &ErrPreflightFailed{Check: c.Name, Message: c.Message}
	}
	return nil
}

func checkDiskSpace(dir string, minFreeBytes uint64) Check {
	check := Check{Name: "disk_space", Passed: true}

	target := existingAncestor(dir)
	usage, err := usageFunc(target)
	if err != nil {
		log.Warn("failed to query disk usage, skipping check", "path", target, logging.KeyError, err)
		check.Message = fmt.Sprintf("disk usage unavailable for %s: %v", target, err)
		return check
	}

	if usage.Free < minFreeBytes {
		check.Passed = false
		check.Message = fmt.Sprintf("insufficient disk space: %d MB free, minimum %d MB required",
			usage.Free/(1024*1024), minFreeBytes/(1024*1024))
		return check
	}

	check.Message = fmt.Sprintf("%d MB free on %s", usage.Free/(1024*1024), target)
	return check
}

func checkWritable(dir string) Check {
	check := Check{Name: "writable"}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		check.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return check
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		check.Message = fmt.Sprintf("cannot write to %s: %v", dir, err)
		return check
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)

	check.Passed = true
	check.Message = dir + " is writable"
	return check
}

// existingAncestor walks up from dir to the first path that exists, so usage
// can be queried before the download directory is created.
func existingAncestor(dir string) string {
	p := filepath.Clean(dir)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
