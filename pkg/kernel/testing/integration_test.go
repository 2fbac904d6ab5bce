package testing

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const checkoutScenario = `
name: checkout
steps:
  - action: start
    tag: start
  - action: pop_shared
    tag: claim
    value: cards
    pattern: "{{card}}"
  - action: goto
    tag: open
    url: "https://shop.example/{{card}}"
  - action: extract_text
    tag: read
    selector: "#balance"
    to_var: balance
  - action: compare
    tag: check
    var: balance
    op: gt
    value: "0"
    next_success_step: done
    next_error_step: empty
  - action: log
    tag: empty
    message: no funds
  - action: end
    tag: done
`

// writeFixtures lays out scenarios/checkout.yaml and its fixtures, returning
// the scenario path.
func writeFixtures(t *testing.T, fixtures map[string]map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "checkout.yaml")
	if err := os.WriteFile(path, []byte(checkoutScenario), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, files := range fixtures {
		fdir := filepath.Join(dir, "tests", "checkout", name)
		if err := os.MkdirAll(fdir, 0o755); err != nil {
			t.Fatal(err)
		}
		for file, content := range files {
			if err := os.WriteFile(filepath.Join(fdir, file), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return path
}

func TestIntegration_ReplayAndAssert(t *testing.T) {
	path := writeFixtures(t, map[string]map[string]string{
		"funded": {
			"replay.yaml": "texts:\n  \"#balance\": \"12\"\n",
			"test.yaml": `
shared:
  cards: [c1, c2]
expected_status: succeeded
expected_reason: end_step
must_reach: [check, done]
must_not_reach: [empty]
expected_vars:
  balance: "12"
  card: c1
expected_shared:
  cards: c2
`,
		},
		"broke": {
			"replay.yaml": "texts:\n  \"#balance\": \" 0 \"\n",
			"test.yaml": `
shared:
  cards: [c9]
expected_status: succeeded
expected_path: [start, claim, open, read, check, empty, done]
expected_vars:
  balance: "0"
`,
		},
		"unscripted": {
			"replay.yaml": "vars:\n  note: x\n",
		},
	})

	r := &Runner{}
	out, err := r.RunAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Scenario != "checkout" {
		t.Errorf("scenario = %q, want checkout", out.Scenario)
	}
	if out.Summary.Total != 3 || out.Summary.Passed != 2 || out.Summary.Skipped != 1 {
		t.Errorf("summary = %+v", out.Summary)
	}
	for _, f := range out.Fixtures {
		for _, a := range f.Assertions {
			if !a.Passed {
				t.Errorf("%s: %s", f.FixtureName, a.Message)
			}
		}
		if f.Error != "" {
			t.Errorf("%s: error %s", f.FixtureName, f.Error)
		}
	}
	// fixtures run in name order
	if out.Fixtures[0].FixtureName != "broke" {
		t.Errorf("first fixture = %q, want broke", out.Fixtures[0].FixtureName)
	}
}

func TestIntegration_FailedFixture(t *testing.T) {
	path := writeFixtures(t, map[string]map[string]string{
		"a-wrong": {
			"replay.yaml": "texts:\n  \"#balance\": \"5\"\n",
			"test.yaml":   "shared:\n  cards: [c1]\nexpected_reason: graph_exhausted\nmust_reach: [empty]\n",
		},
		"b-never": {
			"replay.yaml": "texts:\n  \"#balance\": \"5\"\n",
			"test.yaml":   "shared:\n  cards: [c1]\n",
		},
	})

	r := &Runner{FailFast: true}
	out, err := r.RunAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary.Total != 1 || out.Summary.Failed != 1 {
		t.Fatalf("summary = %+v", out.Summary)
	}
	got := out.Fixtures[0]
	if got.Status != "failed" {
		t.Errorf("status = %q, want failed", got.Status)
	}
	var failed int
	for _, a := range got.Assertions {
		if !a.Passed {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("failed assertions = %d, want 2", failed)
	}
}

func TestIntegration_RunFixtureTimeout(t *testing.T) {
	path := writeFixtures(t, map[string]map[string]string{
		"slow": {
			"replay.yaml": "texts:\n  \"#balance\": \"5\"\ndelays:\n  goto: 300ms\n",
			"test.yaml":   "shared:\n  cards: [c1]\nexpected_status: succeeded\n",
		},
	})

	r := &Runner{Timeout: 20 * time.Millisecond}
	res, err := r.RunFixture(path, "slow")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "error" || res.Error != "timeout" {
		t.Errorf("result = %s (%s), want error (timeout)", res.Status, res.Error)
	}
}

func TestIntegration_BadTestSpec(t *testing.T) {
	path := writeFixtures(t, map[string]map[string]string{
		"typo": {
			"replay.yaml": "{}\n",
			"test.yaml":   "expected_stauts: succeeded\n",
		},
	})

	res, err := (&Runner{}).RunFixture(path, "typo")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "error" {
		t.Errorf("status = %q, want error", res.Status)
	}
}

func TestDiscoverFixtures_None(t *testing.T) {
	fixtures, err := DiscoverFixtures(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(fixtures) != 0 {
		t.Errorf("fixtures = %v, want none", fixtures)
	}
}

func TestRunAll_MalformedScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("name: bad\nsteps:\n  - action: teleport\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (&Runner{}).RunAll(path); err == nil {
		t.Fatal("expected error for malformed scenario")
	}
}
