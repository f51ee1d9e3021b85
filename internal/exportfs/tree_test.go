package exportfs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
)

func sampleState() *steptrail.State {
	s := steptrail.NewState()
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	checked := true
	s.Sessions = []steptrail.Session{{
		ID:         "sess-1",
		StartURL:   "https://app.example.test/",
		StartTitle: "Checkout",
		StartedAt:  at,
		UpdatedAt:  at.Add(time.Minute),
		StepsCount: 3,
		Sync:       steptrail.SyncStatus{Status: steptrail.SyncPending},
	}}
	s.Steps = []steptrail.Step{
		{ID: "s2", SessionID: "sess-1", StepIndex: 2, Type: steptrail.StepInput, Value: "ada", Target: &steptrail.Target{Tag: "input", Label: "Name"}},
		{
			ID:               "s1",
			SessionID:        "sess-1",
			StepIndex:        1,
			Type:             steptrail.StepClick,
			Target:           &steptrail.Target{Tag: "button", ID: "buy"},
			ThumbnailDataURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		},
		{ID: "s3", SessionID: "sess-1", StepIndex: 3, Type: steptrail.StepToggle, Checked: &checked, Target: &steptrail.Target{Tag: "input", Label: "Terms"}},
	}
	return s
}

func TestBuildTreeLayout(t *testing.T) {
	tree, err := BuildTree(sampleState())
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	want := []string{
		"index.json",
		"sessions/sess-1/session.json",
		"sessions/sess-1/steps.md",
		"sessions/sess-1/steps/0001-click.json",
		"sessions/sess-1/steps/0002-input.json",
		"sessions/sess-1/steps/0003-toggle.json",
		"sessions/sess-1/thumbnails/0001.jpg",
	}
	got := tree.Paths()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected paths:\n%s", strings.Join(got, "\n"))
	}
	if !bytes.Equal(tree.Files["sessions/sess-1/thumbnails/0001.jpg"], []byte("jpeg-bytes")) {
		t.Fatalf("thumbnail bytes not decoded")
	}

	var step steptrail.Step
	if err := json.Unmarshal(tree.Files["sessions/sess-1/steps/0001-click.json"], &step); err != nil {
		t.Fatalf("decode step: %v", err)
	}
	if step.ThumbnailDataURL != "" {
		t.Fatalf("step json should not inline the thumbnail")
	}

	md := string(tree.Files["sessions/sess-1/steps.md"])
	for _, line := range []string{"# Checkout", "1. Click button#buy", `2. Type "ada" into Name`, "3. Check Terms"} {
		if !strings.Contains(md, line) {
			t.Fatalf("expected %q in steps.md:\n%s", line, md)
		}
	}

	dirs := tree.Dirs()
	if dirs[0] != "sessions" || dirs[1] != "sessions/sess-1" {
		t.Fatalf("expected parents first, got %v", dirs)
	}
}

func TestBuildTreeEmptyState(t *testing.T) {
	tree, err := BuildTree(nil)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if len(tree.Files) != 1 || strings.TrimSpace(string(tree.Files["index.json"])) != "[]" {
		t.Fatalf("expected only an empty index, got %v", tree.Paths())
	}
}

func TestBuildTreeSkipsBrokenThumbnail(t *testing.T) {
	s := sampleState()
	s.Steps[1].ThumbnailDataURL = "data:image/jpeg;base64,%%%"
	tree, err := BuildTree(s)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if _, ok := tree.Files["sessions/sess-1/thumbnails/0001.jpg"]; ok {
		t.Fatalf("broken thumbnail should be skipped")
	}
}

func TestWriteDir(t *testing.T) {
	tree, err := BuildTree(sampleState())
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	root := filepath.Join(t.TempDir(), "export")
	if err := WriteDir(tree, root); err != nil {
		t.Fatalf("write dir: %v", err)
	}
	for _, p := range tree.Paths() {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if !bytes.Equal(data, tree.Files[p]) {
			t.Fatalf("content mismatch for %s", p)
		}
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"abc":    "abc",
		"../etc": "__etc",
		"a/b":    "a_b",
		"  ":     "_",
	}
	for in, want := range cases {
		if got := safeName(in); got != want {
			t.Fatalf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMountIntegration(t *testing.T) {
	if os.Getenv("STEPTRAIL_TEST_FUSE") == "" {
		t.Skip("set STEPTRAIL_TEST_FUSE=1 to run fuse mount tests")
	}
	tree, err := BuildTree(sampleState())
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	mountpoint := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Mount(ctx, mountpoint, tree, nil) }()

	deadline := time.Now().Add(5 * time.Second)
	var data []byte
	for time.Now().Before(deadline) {
		data, err = os.ReadFile(filepath.Join(mountpoint, "sessions", "sess-1", "steps.md"))
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("read through mount: %v", err)
	}
	if !bytes.Equal(data, tree.Files["sessions/sess-1/steps.md"]) {
		t.Fatalf("mounted content mismatch")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unmount: %v", err)
	}
}
