package manifest_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/envhelper/envhelper/common/spec/manifest"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
)

const validManifest = `
apiVersion: envhelper/v1
environments:
  - owner: alice
    name: dev
    type: vscode
    autoStart: true
    volumes:
      - /home/alice/src:/workspace
      - shared-cache:/cache:ro
    env:
      TZ: Europe/Bucharest
      WORKERS: 4
    memoryLimit: 2g
  - owner: alice
    name: web
    type: custom
    image: nginx:1.25
    port: 8080
    containerPort: 80
    cpuLimit: 0.5
`

func TestParse_Valid(t *testing.T) {
	m, err := manifest.Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Environments) != 2 {
		t.Fatalf("environments = %d, want 2", len(m.Environments))
	}

	d, err := m.Environments[0].Declaration()
	if err != nil {
		t.Fatalf("Declaration: %v", err)
	}
	if d.Type != environment.TypeVSCode || !d.AutoStart {
		t.Errorf("declaration = %+v", d)
	}
	if len(d.Volumes) != 2 || d.Volumes[1].Mode != environment.ModeRO {
		t.Errorf("volumes = %+v", d.Volumes)
	}
	if d.Env["WORKERS"] != "4" {
		t.Errorf("WORKERS = %q, want \"4\"", d.Env["WORKERS"])
	}
	if d.MemoryLimit == nil || *d.MemoryLimit != 2<<30 {
		t.Errorf("memory = %v", d.MemoryLimit)
	}

	web, _ := m.Environments[1].Declaration()
	if web.ContainerPort != 80 || web.CPULimit == nil || *web.CPULimit != 0.5 {
		t.Errorf("web = %+v", web)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"wrong version": {
			doc:  "apiVersion: envhelper/v2\nenvironments: []\n",
			want: "schema",
		},
		"unknown type": {
			doc:  "apiVersion: envhelper/v1\nenvironments:\n  - {owner: a, name: b, type: jupyter}\n",
			want: "schema",
		},
		"custom without image": {
			doc:  "apiVersion: envhelper/v1\nenvironments:\n  - {owner: a, name: b, type: custom, port: 80}\n",
			want: "schema",
		},
		"unknown field": {
			doc:  "apiVersion: envhelper/v1\nenvironments:\n  - {owner: a, name: b, type: vscode, colour: red}\n",
			want: "schema",
		},
		"bad volume": {
			doc:  "apiVersion: envhelper/v1\nenvironments:\n  - {owner: a, name: b, type: vscode, volumes: [\"nocolon\"]}\n",
			want: "environments[0]",
		},
		"bad memory": {
			doc:  "apiVersion: envhelper/v1\nenvironments:\n  - {owner: a, name: b, type: vscode, memoryLimit: lots}\n",
			want: "memory",
		},
		"duplicate": {
			doc:  "apiVersion: envhelper/v1\nenvironments:\n  - {owner: a, name: b, type: vscode}\n  - {owner: a, name: b, type: webtop}\n",
			want: "duplicate",
		},
		"not yaml": {
			doc:  "apiVersion: [",
			want: "parse",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := manifest.Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envs.yaml")
	if err := os.WriteFile(path, []byte(validManifest), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.APIVersion != manifest.SpecVersion {
		t.Errorf("apiVersion = %q", m.APIVersion)
	}

	if _, err := manifest.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
