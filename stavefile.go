//go:build stave

package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/yaklabco/stave/pkg/sh"
	"github.com/yaklabco/stave/pkg/st"
	"github.com/yaklabco/stave/pkg/target"
)

// Default target when running `stave` with no arguments.
var Default = All

var Aliases = map[string]interface{}{
	"b": Build,
	"t": Test,
	"l": Lint,
	"c": Clean,
}

var binaries = []string{"parcel-iou", "parcel-index"}

// All runs lint, test and build.
func All() error {
	st.Deps(Lint, Test)
	st.Deps(Build)
	return nil
}

// Build compiles every binary under cmd/ into bin/ with version information.
// Needs the GEOS C library (libgeos-dev) for cgo.
func Build() error {
	ldflags := buildLdflags()
	for _, name := range binaries {
		out := "bin/" + name
		rebuild, err := target.Glob(out, "**/*.go", "go.mod", "go.sum")
		if err != nil {
			return fmt.Errorf("checking rebuild: %w", err)
		}
		if !rebuild {
			if st.Verbose() {
				fmt.Println(name, "is up to date")
			}
			continue
		}
		if err := sh.RunV("go", "build", "-ldflags", ldflags, "-o", out, "./cmd/"+name); err != nil {
			return fmt.Errorf("building %s: %w", name, err)
		}
	}
	return nil
}

func buildLdflags() string {
	ver, _ := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	commit, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	const pkg = "parcel-iou/internal/version"
	return fmt.Sprintf(
		"-X %s.Version=%s -X %s.Commit=%s -X %s.Date=%s",
		pkg, strings.TrimSpace(ver),
		pkg, strings.TrimSpace(commit),
		pkg, time.Now().UTC().Format(time.RFC3339),
	)
}

// Test runs all tests with race detection and coverage.
func Test() error {
	return sh.RunV("go", "test", "-race", "-cover", "./...")
}

// TestShort skips the larger comparator runs.
func TestShort() error {
	return sh.RunV("go", "test", "-short", "./...")
}

func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Clean removes build artifacts and stray index companion files under testdata.
func Clean() error {
	if err := sh.Rm("bin/"); err != nil {
		return fmt.Errorf("removing bin/: %w", err)
	}
	for _, pattern := range []string{"testdata/*.idx", "testdata/*.dat"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := sh.Rm(m); err != nil {
				return fmt.Errorf("removing %s: %w", m, err)
			}
		}
	}
	return nil
}

// Index namespace for persisted spatial index targets.
type Index st.Namespace

// Build pre-builds the index for $PRED_PATH.
func (Index) Build() error {
	st.Deps(Build)
	return sh.RunV("./bin/parcel-index", "-force")
}

// Check reports whether the persisted index for $PRED_PATH is current.
func (Index) Check() error {
	st.Deps(Build)
	return sh.RunV("./bin/parcel-index", "-check")
}

// Run compares $REF_PATH against $PRED_PATH.
func Run() error {
	st.Deps(Build)
	return sh.RunV("./bin/parcel-iou", "-v")
}
