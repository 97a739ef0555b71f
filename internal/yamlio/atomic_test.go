package yamlio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type payload struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	if err := AtomicWrite(path, payload{Name: "ward 12", Count: 3}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got payload
	if err := yamlv3.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "ward 12" || got.Count != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestAtomicWriteCreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	if err := AtomicWrite(path, payload{Name: "first"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, payload{Name: "second"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !strings.Contains(string(bak), "first") {
		t.Errorf("backup = %q, want the previous content", bak)
	}

	current, _ := os.ReadFile(path)
	if !strings.Contains(string(current), "second") {
		t.Errorf("current = %q, want the new content", current)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	if err := AtomicWrite(path, payload{Name: "x"}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".imbizo-tmp-") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}
