package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capmarket/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("m1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Market.ID != "m1" {
		t.Fatalf("expected market id m1, got %s", cfg.Market.ID)
	}
	ps, ok := cfg.ProcessSheet(1)
	if !ok {
		t.Fatalf("expected sheet for product 1")
	}
	if ps.Require[1] != 100 || ps.Require[2] != 50 {
		t.Fatalf("unexpected sheet %+v", ps)
	}
	if _, ok := cfg.ProcessSheet(99); ok {
		t.Fatalf("expected no sheet for product 99")
	}
	if cfg.Addr() != DefaultAddr || cfg.BasePath() != DefaultBasePath {
		t.Fatalf("unexpected server defaults %s %s", cfg.Addr(), cfg.BasePath())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"missing id": {
			yaml: "process_sheets:\n  - product: 1\n    require: {1: 10}\n",
			want: "market.id",
		},
		"no sheets": {
			yaml: "market: {id: m}\n",
			want: "at least one sheet",
		},
		"empty sheet": {
			yaml: "market: {id: m}\nprocess_sheets:\n  - product: 1\n    require: {}\n",
			want: "no capacity requirements",
		},
		"non positive capacity": {
			yaml: "market: {id: m}\nprocess_sheets:\n  - product: 1\n    require: {1: 0}\n",
			want: "must be positive",
		},
		"duplicate product": {
			yaml: "market: {id: m}\nprocess_sheets:\n  - product: 1\n    require: {1: 5}\n  - product: 1\n    require: {2: 5}\n",
			want: "duplicate product 1",
		},
		"webhook without url": {
			yaml: "market: {id: m}\nprocess_sheets:\n  - product: 1\n    require: {1: 5}\nwebhooks:\n  - events: [customer.completed]\n",
			want: "webhooks[0].url",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOptional(dir); err != nil {
		t.Fatalf("load optional on empty workspace: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	content := `market:
  id: lab
process_sheets:
  - product: 7
    require:
      3: 12
webhooks:
  - url: http://127.0.0.1:9/hook
    events: [customer.completed]
    secret: s
    timeout_seconds: 2
server:
  addr: 0.0.0.0:9000
`
	if err := os.WriteFile(filepath.Join(dir, "market.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ps, ok := cfg.ProcessSheet(7)
	if !ok || ps.Require[domain.CapacityType(3)] != 12 {
		t.Fatalf("unexpected sheet %+v", ps)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].TimeoutSeconds != 2 {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
	if cfg.Addr() != "0.0.0.0:9000" || cfg.BasePath() != DefaultBasePath {
		t.Fatalf("unexpected server %s %s", cfg.Addr(), cfg.BasePath())
	}

	out, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Market.ID != "lab" || again.Webhooks[0].Secret != "s" {
		t.Fatalf("round trip lost fields: %+v", again)
	}
}
