package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfcci/autotune/pkg/config"
	"github.com/openfcci/autotune/pkg/git"
)

func TestGitOptions(t *testing.T) {
	steps := filepath.Join(t.TempDir(), "steps.yaml")
	descriptor := "env:\n  RAILS_ENV: production\n  LANG: C\nsteps:\n  - name: bundler\n    when: Gemfile\n    command: [bundle, install]\n"
	if err := os.WriteFile(steps, []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		cfg       config.Config
		wantSteps int
		wantEnv   map[string]string
	}{
		{
			name:      "default descriptor",
			cfg:       config.Config{FetchTimeout: git.DefaultFetchTimeout, SetupTimeout: git.DefaultSetupTimeout},
			wantSteps: len(git.DefaultDescriptor().Steps),
		},
		{
			name:      "descriptor file with SETUP_ENV override",
			cfg:       config.Config{SetupStepsFile: steps, SetupEnv: map[string]string{"LANG": "C.UTF-8", "NODE_ENV": "production"}},
			wantSteps: 1,
			wantEnv:   map[string]string{"RAILS_ENV": "production", "LANG": "C.UTF-8", "NODE_ENV": "production"},
		},
		{
			name:      "SETUP_ENV on default descriptor",
			cfg:       config.Config{SetupEnv: map[string]string{"PIP_INDEX_URL": "https://pypi.internal"}},
			wantSteps: len(git.DefaultDescriptor().Steps),
			wantEnv:   map[string]string{"PIP_INDEX_URL": "https://pypi.internal"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := GitOptions(tt.cfg)
			if err != nil {
				t.Fatalf("GitOptions: %v", err)
			}
			if len(opts.Setup.Steps) != tt.wantSteps {
				t.Fatalf("steps = %+v, want %d", opts.Setup.Steps, tt.wantSteps)
			}
			if len(opts.Setup.Env) != len(tt.wantEnv) {
				t.Fatalf("env = %v, want %v", opts.Setup.Env, tt.wantEnv)
			}
			for k, v := range tt.wantEnv {
				if opts.Setup.Env[k] != v {
					t.Fatalf("env[%s] = %q, want %q", k, opts.Setup.Env[k], v)
				}
			}
		})
	}
}

func TestGitOptionsMissingDescriptor(t *testing.T) {
	_, err := GitOptions(config.Config{SetupStepsFile: filepath.Join(t.TempDir(), "missing.yaml")})
	if err == nil {
		t.Fatal("missing descriptor accepted")
	}
}

func TestWorkdirsLocal(t *testing.T) {
	root := t.TempDir()
	cfg := config.Config{
		MediaBackend:   "local",
		MediaRoot:      filepath.Join(root, "media"),
		MediaURL:       "https://media.example.org",
		WorkingDirRoot: filepath.Join(root, "working"),
	}
	m, err := Workdirs(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Workdirs: %v", err)
	}

	dir, err := m.Resolve("election-map")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "thumb.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	url, err := m.DeployFile(context.Background(), dir, "thumb.png", "blueprints/election-map")
	if err != nil {
		t.Fatalf("DeployFile: %v", err)
	}
	if url != "https://media.example.org/blueprints/election-map/thumb.png" {
		t.Fatalf("url = %s", url)
	}
	if _, err := os.Stat(filepath.Join(root, "media", "blueprints", "election-map", "thumb.png")); err != nil {
		t.Fatalf("deployed file missing: %v", err)
	}
	if !strings.HasPrefix(dir, filepath.Join(root, "working")) {
		t.Fatalf("dir %s outside working root", dir)
	}
}

func TestWorkdirsS3RequiresEndpoint(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "")
	_, err := Workdirs(context.Background(), config.Config{MediaBackend: "s3", S3Bucket: "media", WorkingDirRoot: t.TempDir()})
	if err == nil {
		t.Fatal("s3 backend without endpoint accepted")
	}
}
