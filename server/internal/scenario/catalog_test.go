package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"helpnow/server/internal/model"
)

// TestBuiltinCatalogIsValid 验证内置场景库可用且顺序固定。
func TestBuiltinCatalogIsValid(t *testing.T) {
	c := Builtin()
	all := c.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 builtin scenarios, got %d", len(all))
	}
	if all[0].ID != "choking" || all[1].ID != "cuts" || all[2].ID != "burns" {
		t.Fatalf("unexpected order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}
	for _, sc := range all {
		if err := sc.Validate(); err != nil {
			t.Fatalf("builtin %s invalid: %v", sc.ID, err)
		}
	}
}

// TestPickRandomUsesInjectedSource 验证 PickRandom 按随机源选取。
func TestPickRandomUsesInjectedSource(t *testing.T) {
	c := Builtin().WithRand(func(n int) int { return n - 1 })
	if got := c.PickRandom(); got.ID != "burns" {
		t.Fatalf("expected burns, got %s", got.ID)
	}
}

// TestPickRandomCoversCatalog 验证默认随机源下每个场景都可能被选中。
func TestPickRandomCoversCatalog(t *testing.T) {
	c := Builtin()
	seen := map[string]bool{}
	for i := 0; i < 500 && len(seen) < 3; i++ {
		seen[c.PickRandom().ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all scenarios picked at least once, got %v", seen)
	}
}

func TestMatchPrefersHighestScore(t *testing.T) {
	c := Builtin()

	got, ok := c.Match("My hand is bleeding, there is blood everywhere")
	if !ok || got.ID != "cuts" {
		t.Fatalf("expected cuts, got %v %v", got.ID, ok)
	}
	got, ok = c.Match("he is choking and can't breathe")
	if !ok || got.ID != "choking" {
		t.Fatalf("expected choking, got %v %v", got.ID, ok)
	}
	if _, ok := c.Match("my cat is sneezing"); ok {
		t.Fatalf("expected no match")
	}
}

// TestReturnedScenarioIsCopy 验证调用方修改返回值不影响场景库。
func TestReturnedScenarioIsCopy(t *testing.T) {
	c := Builtin()
	sc, err := c.Find("burns")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	sc.Steps[0].Instruction = "mutated"

	again, _ := c.Find("burns")
	if again.Steps[0].Instruction == "mutated" {
		t.Fatalf("catalog mutated through returned scenario")
	}
}

func TestFindUnknown(t *testing.T) {
	_, err := Builtin().Find("snakebite")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadCatalogYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "scenarios.yaml")
	yamlContent := `
- id: faint
  title: Fainting
  keywords: [faint, passed out]
  steps:
    - id: 1
      type: action
      instruction: Lay the person flat on their back.
      visual_url: https://example.com/faint.png
      alternative_urls: [https://example.com/faint-2.png]
`
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	c, err := LoadCatalog(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	sc, ok := c.Match("she passed out")
	if !ok || sc.ID != "faint" {
		t.Fatalf("expected faint match, got %v %v", sc.ID, ok)
	}
	if sc.Steps[0].VisualURL == "" || len(sc.Steps[0].AlternativeURLs) != 1 {
		t.Fatalf("expected visual urls loaded, got %+v", sc.Steps[0])
	}

	jsonPath := filepath.Join(dir, "scenarios.json")
	jsonContent := `[{"id":"nose","title":"Nosebleed","keywords":["nose"],"steps":[{"id":1,"type":"info","instruction":"Lean forward.","visualUrl":"https://example.com/n.png"}]}]`
	if err := os.WriteFile(jsonPath, []byte(jsonContent), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	c, err = LoadCatalog(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	sc, err = c.Find("nose")
	if err != nil {
		t.Fatalf("find nose: %v", err)
	}
	if sc.Steps[0].VisualURL != "https://example.com/n.png" {
		t.Fatalf("expected visualUrl decoded, got %q", sc.Steps[0].VisualURL)
	}
}

func TestNewCatalogRejectsInvalid(t *testing.T) {
	if _, err := NewCatalog(nil); !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}

	bad := []Entry{{EmergencyScenario: model.EmergencyScenario{ID: "x", Title: "X"}}}
	if _, err := NewCatalog(bad); !errors.Is(err, model.ErrInvalidScenario) {
		t.Fatalf("expected ErrInvalidScenario, got %v", err)
	}

	step := []model.EmergencyStep{{ID: 1, Type: model.StepTypeInfo, Instruction: "a"}}
	dup := []Entry{
		{EmergencyScenario: model.EmergencyScenario{ID: "x", Title: "X", Steps: step}},
		{EmergencyScenario: model.EmergencyScenario{ID: "x", Title: "Y", Steps: step}},
	}
	if _, err := NewCatalog(dup); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestLoadRepoCatalogFile(t *testing.T) {
	c, err := LoadCatalog("../../configs/scenarios.yaml")
	if err != nil {
		t.Fatalf("load repo catalog: %v", err)
	}
	if len(c.All()) != 3 {
		t.Fatalf("expected 3 scenarios in repo catalog, got %d", len(c.All()))
	}
}
