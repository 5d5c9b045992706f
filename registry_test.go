package kobold

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryAddGetList(t *testing.T) {
	dir := t.TempDir()
	r := NewProjectRegistry(dir)

	b := NewProject("beta", filepath.Join(dir, "beta.md"), filepath.Join(dir, "beta"))
	a := NewProject("alpha", filepath.Join(dir, "alpha.md"), filepath.Join(dir, "alpha"))
	for _, p := range []*Project{b, a} {
		if err := r.Add(p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := r.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alpha" {
		t.Errorf("name = %q", got.Name)
	}

	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Errorf("list order = %v", []string{list[0].Name, list[1].Name})
	}

	var cfgErr *ErrConfig
	if _, err := r.Get("nope"); !errors.As(err, &cfgErr) {
		t.Errorf("unknown id should yield ErrConfig, got %v", err)
	}
	if err := r.Add(a); !errors.As(err, &cfgErr) {
		t.Errorf("duplicate add should yield ErrConfig, got %v", err)
	}
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	r := NewProjectRegistry(dir)
	p := NewProject("persist", filepath.Join(dir, "spec.md"), filepath.Join(dir, "out"))
	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}
	p.Status = StatusNew
	if err := r.Update(p); err != nil {
		t.Fatal(err)
	}

	r2 := NewProjectRegistry(dir)
	got, err := r2.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusNew {
		t.Errorf("status = %s, want New", got.Status)
	}
	// Paths inside the registry dir come back absolute.
	if got.OutputDir != filepath.Join(dir, "out") {
		t.Errorf("output dir = %q", got.OutputDir)
	}
}

func TestRegistryPortablePaths(t *testing.T) {
	dir := t.TempDir()
	r := NewProjectRegistry(dir)
	p := NewProject("portable", filepath.Join(dir, "specs", "p.md"), filepath.Join(dir, "out", "p"))
	p.AreaTaskFiles = map[string]string{"backend": filepath.Join(dir, "tasks", "backend.md")}
	outside := filepath.Join(string(filepath.Separator), "somewhere", "else.md")
	p.AnalysisPath = outside
	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "projects.json"))
	if err != nil {
		t.Fatal(err)
	}
	var stored []map[string]any
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if got := stored[0]["specification"].(string); got != "./specs/p.md" {
		t.Errorf("specification stored as %q", got)
	}
	if got := stored[0]["outputDir"].(string); got != "./out/p" {
		t.Errorf("outputDir stored as %q", got)
	}
	// Paths outside the registry dir stay absolute.
	if got := stored[0]["analysisPath"].(string); got != outside {
		t.Errorf("analysisPath stored as %q", got)
	}
	files := stored[0]["areaTaskFiles"].(map[string]any)
	if got := files["backend"].(string); !strings.HasPrefix(got, "./") {
		t.Errorf("task file stored as %q", got)
	}

	// The in-memory project keeps absolute paths after the save.
	if !filepath.IsAbs(p.OutputDir) {
		t.Errorf("save mutated caller's project: %q", p.OutputDir)
	}
}

func TestRegistryRemove(t *testing.T) {
	dir := t.TempDir()
	r := NewProjectRegistry(dir)
	p := NewProject("gone", filepath.Join(dir, "spec.md"), filepath.Join(dir, "out"))
	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}

	if err := r.Remove(p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(p.ID); err == nil {
		t.Error("removed project still resolvable")
	}
	// Removing an unknown id is a no-op.
	if err := r.Remove("nope"); err != nil {
		t.Errorf("remove unknown: %v", err)
	}
}

func TestRegistryUpdateUnknown(t *testing.T) {
	r := NewProjectRegistry(t.TempDir())
	p := NewProject("ghost", "spec.md", "out")
	var cfgErr *ErrConfig
	if err := r.Update(p); !errors.As(err, &cfgErr) {
		t.Errorf("want ErrConfig, got %v", err)
	}
}

func TestRegistryOutputDirResolver(t *testing.T) {
	dir := t.TempDir()
	r := NewProjectRegistry(dir)
	p := NewProject("res", filepath.Join(dir, "spec.md"), filepath.Join(dir, "out"))
	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}

	got, err := r.OutputDir(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != p.OutputDir {
		t.Errorf("OutputDir = %q, want %q", got, p.OutputDir)
	}
	if _, err := r.OutputDir("nope"); err == nil {
		t.Error("unknown project should error")
	}
}

func TestRegistryMissingFileMeansEmpty(t *testing.T) {
	r := NewProjectRegistry(filepath.Join(t.TempDir(), "never-created"))
	list, err := r.List()
	if err != nil {
		t.Fatalf("List on missing registry: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("list = %v", list)
	}
}

func TestRegistryCorruptFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "projects.json"), "{not json")
	r := NewProjectRegistry(dir)

	var perr *ErrPersistence
	if _, err := r.List(); !errors.As(err, &perr) {
		t.Errorf("want ErrPersistence, got %v", err)
	}
}
