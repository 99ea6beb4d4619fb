// Counsel CI/CD
//
// Package main provides reproducible builds and tests locally and in GitHub actions.
// It is the main harness for handling nearly all dev operations.
package main

import (
	"context"

	"dagger/counsel/internal/dagger"
)

// Counsel is the main module for the Counsel CI/CD pipeline
type Counsel struct {
	// Project source directory
	//
	// +private
	Source *dagger.Directory
}

// New creates a new Counsel CI/CD module instance
func New(
	// Project source directory.
	//
	// +defaultPath="/"
	// +ignore=[".git", ".direnv", ".devenv", "build", "tmp"]
	source *dagger.Directory,
) *Counsel {
	return &Counsel{
		Source: source,
	}
}

// goContainer returns a Debian Bookworm-based Go container with the module
// and build caches mounted and the project source at /src.
//
// It is the shared foundation for tests, builds, and linting. The sqlite
// driver is pure Go, so the container needs no C toolchain.
func (c *Counsel) goContainer() *dagger.Container {
	return dag.Container().
		From("golang:1.25-bookworm").
		WithEnvVariable("CGO_ENABLED", "0").
		WithEnvVariable("PATH", "/go/bin:$PATH", dagger.ContainerWithEnvVariableOpts{Expand: true}).
		WithMountedCache("/go/pkg/mod", dag.CacheVolume("go-mod")).
		WithMountedCache("/root/.cache/go-build", dag.CacheVolume("go-build")).
		WithWorkdir("/src").
		WithDirectory("/src", c.Source)
}

// Test runs the counsel unit tests via "go test"
func (c *Counsel) Test(ctx context.Context) (string, error) {
	return c.goContainer().
		WithExec([]string{"go", "test", "-v", "./..."}).
		Stdout(ctx)
}
