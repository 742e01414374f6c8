package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// waitFor polls until cond holds for the recorded events or the deadline passes.
func (r *recorder) waitFor(t *testing.T, cond func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.snapshot(); cond(evs) {
			return evs
		}
		time.Sleep(20 * time.Millisecond)
	}
	return r.snapshot()
}

func hasEvent(evs []Event, suffix string, removed bool) bool {
	for _, ev := range evs {
		if strings.HasSuffix(ev.Path, suffix) && ev.Removed == removed {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, roots []Root, rec *recorder) *Watcher {
	t.Helper()
	w := New(roots, rec.handle, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		w.Stop()
		cancel()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWatcher_ChangeAndRemoveCarryDataset(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := mkdirAll(sub); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	startWatcher(t, []Root{{Dataset: "laws", Path: dir, Extensions: []string{".md"}, Recursive: true}}, rec)

	path := filepath.Join(sub, "a.md")
	if err := writeFile(path, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(sub, "skip.xyz"), "x"); err != nil {
		t.Fatal(err)
	}
	evs := rec.waitFor(t, func(evs []Event) bool { return hasEvent(evs, "a.md", false) })
	if !hasEvent(evs, "a.md", false) {
		t.Fatalf("expected change event for a.md, got %+v", evs)
	}
	for _, ev := range evs {
		if ev.Dataset != "laws" || ev.Root != filepath.Clean(dir) {
			t.Errorf("event carries wrong root: %+v", ev)
		}
		if strings.HasSuffix(ev.Path, "skip.xyz") {
			t.Errorf("skip.xyz should be filtered out")
		}
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	evs = rec.waitFor(t, func(evs []Event) bool { return hasEvent(evs, "a.md", true) })
	if !hasEvent(evs, "a.md", true) {
		t.Errorf("expected removal event for a.md, got %+v", evs)
	}
}

func TestWatcher_DebounceCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New([]Root{{Dataset: "ds", Path: dir, Recursive: true}}, rec.handle, WithDebounce(300*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "f.txt")
	for i := 0; i < 5; i++ {
		if err := writeFile(path, strings.Repeat("x", i+1)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec.waitFor(t, func(evs []Event) bool { return hasEvent(evs, "f.txt", false) })
	time.Sleep(400 * time.Millisecond)
	evs := rec.snapshot()
	n := 0
	for _, ev := range evs {
		if strings.HasSuffix(ev.Path, "f.txt") {
			n++
		}
	}
	if n != 1 {
		t.Errorf("expected one debounced event, got %d: %+v", n, evs)
	}
}

func TestWatcher_NewDirectoryReportsFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, []Root{{Dataset: "ds", Path: dir, Extensions: []string{".txt"}, Recursive: true}}, rec)

	nested := filepath.Join(dir, "level1", "level2")
	if err := mkdirAll(nested); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(nested, "deep.txt"), "deep content"); err != nil {
		t.Fatal(err)
	}
	evs := rec.waitFor(t, func(evs []Event) bool { return hasEvent(evs, "deep.txt", false) })
	if !hasEvent(evs, "deep.txt", false) {
		t.Errorf("expected deep.txt to be reported, got %+v", evs)
	}
}

func TestWatcher_SyncExisting(t *testing.T) {
	dir := t.TempDir()
	if err := mkdirAll(filepath.Join(dir, "nested")); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "ignore.xyz", filepath.Join("nested", "b.txt")} {
		if err := writeFile(filepath.Join(dir, name), "x"); err != nil {
			t.Fatal(err)
		}
	}
	tests := []struct {
		name      string
		recursive bool
		want      int
	}{
		{"recursive", true, 2},
		{"flat", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			w := New([]Root{{Dataset: "ds", Path: dir, Extensions: []string{".txt"}, Recursive: tt.recursive}}, rec.handle)
			w.SyncExisting()
			if got := len(rec.snapshot()); got != tt.want {
				t.Errorf("got %d events, want %d: %+v", got, tt.want, rec.snapshot())
			}
		})
	}
}

func TestWatcher_AddRemoveRoots(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := startWatcher(t, nil, rec)

	if err := w.AddRoot(Root{Dataset: "a", Path: dir, Recursive: true}, false); err != nil {
		t.Fatal(err)
	}
	if err := w.AddRoot(Root{Dataset: "a", Path: dir + string(filepath.Separator), Recursive: true}, false); err != nil {
		t.Fatal(err)
	}
	roots := w.Roots()
	if len(roots) != 1 || roots[0].Path != filepath.Clean(dir) || roots[0].Dataset != "a" {
		t.Errorf("Roots() = %+v", roots)
	}
	if err := w.RemoveRoot(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Roots()) != 0 {
		t.Errorf("after remove: %+v", w.Roots())
	}
}

func TestWatcher_Start_createsMissingRootDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")
	rec := &recorder{}
	startWatcher(t, []Root{{Dataset: "ds", Path: root, Recursive: true}}, rec)
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestRootFor_MostSpecific(t *testing.T) {
	w := New([]Root{
		{Dataset: "outer", Path: "/data", Recursive: true},
		{Dataset: "inner", Path: "/data/special", Recursive: true},
		{Dataset: "flat", Path: "/flat"},
	}, nil)
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/data/a.md", "outer", true},
		{"/data/special/x/b.md", "inner", true},
		{"/flat/c.md", "flat", true},
		{"/flat/sub/d.md", "", false},
		{"/elsewhere/e.md", "", false},
	}
	for _, tt := range tests {
		r, ok := w.rootFor(tt.path)
		if ok != tt.ok || r.Dataset != tt.want {
			t.Errorf("rootFor(%q) = %q, %v; want %q, %v", tt.path, r.Dataset, ok, tt.want, tt.ok)
		}
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{".txt"}, true},
		{"/a/b.md", []string{"md"}, true},
		{"/a/b.md", []string{".txt"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.txt", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
