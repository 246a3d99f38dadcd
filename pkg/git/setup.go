package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfcci/autotune/pkg/errs"
)

const (
	// outputTail bounds how much step output is kept in an error.
	outputTail = 4096
	waitDelay  = 5 * time.Second
)

// Step is one provisioning command. It runs only when the file named by When
// exists in the working copy; an empty When always runs.
type Step struct {
	Name    string            `yaml:"name"`
	When    string            `yaml:"when"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
}

// Descriptor is the generic environment-setup procedure. The repository only
// knows how to run it; what a blueprint installs is up to the blueprint.
type Descriptor struct {
	Env   map[string]string `yaml:"env"`
	Steps []Step            `yaml:"steps"`
}

// DefaultDescriptor installs dependencies declared by the common manifests.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Steps: []Step{
			{Name: "bundler", When: "Gemfile", Command: []string{"bundle", "install", "--path=.bundle"}},
			{Name: "npm", When: "package.json", Command: []string{"npm", "install"}},
			{Name: "pip", When: "requirements.txt", Command: []string{"pip", "install", "-r", "requirements.txt", "--target", ".pydeps"}},
		},
	}
}

// LoadDescriptor reads a YAML descriptor from path.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read setup descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse setup descriptor %s: %w", path, err)
	}
	for i, step := range d.Steps {
		if len(step.Command) == 0 {
			return Descriptor{}, fmt.Errorf("setup descriptor %s: step %d (%s) has no command", path, i, step.Name)
		}
	}
	return d, nil
}

// SetupEnvironment runs every applicable descriptor step inside the working
// copy. The whole procedure shares one SetupTimeout budget.
func (r *Repository) SetupEnvironment(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.SetupTimeout)
	defer cancel()

	for _, step := range r.opts.Setup.Steps {
		if step.When != "" && !r.HasFile(step.When) {
			continue
		}
		if err := r.runStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) runStep(ctx context.Context, step Step) error {
	name := step.Name
	if name == "" {
		name = strings.Join(step.Command, " ")
	}
	if len(step.Command) == 0 {
		return fmt.Errorf("%w: step %s has no command", errs.ErrEnvironment, name)
	}

	var output bytes.Buffer
	command := exec.CommandContext(ctx, step.Command[0], step.Command[1:]...)
	command.Dir = r.dir
	command.Stdout = &output
	command.Stderr = &output
	command.Env = append(os.Environ(), envList(r.opts.Setup.Env)...)
	command.Env = append(command.Env, envList(step.Env)...)
	// Children that inherit the output pipe must not outlive the timeout.
	command.WaitDelay = waitDelay

	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: step %s timed out after %s", errs.ErrEnvironment, name, r.opts.SetupTimeout)
		}
		return fmt.Errorf("%w: step %s: %w\n%s", errs.ErrEnvironment, name, err, tail(output.String()))
	}
	return nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return "..." + s[len(s)-outputTail:]
}
