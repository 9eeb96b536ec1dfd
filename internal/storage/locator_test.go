package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"drone-crop-analytics/internal/models"
)

type recordingSaver struct {
	mu    sync.Mutex
	calls []string // "id=path"
	err   error
}

func (r *recordingSaver) UpdateLocalPath(_ context.Context, id, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id+"="+path)
	return r.err
}

type staticThrottle struct{ allow bool }

func (s staticThrottle) Allow(context.Context, string) (bool, float64, error) {
	return s.allow, 0, nil
}

type keyRecordingThrottle struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyRecordingThrottle) Allow(_ context.Context, key string) (bool, float64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key)
	return true, 0, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func strPtr(s string) *string { return &s }

func TestResolveRecordedPathDoesNotRepair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "field.jpg")
	writeFile(t, path, "bytes")

	saver := &recordingSaver{}
	l := NewLocator(dir, nil, saver, nil, "")

	img := models.Image{ID: "img-1", Filename: "field.jpg", LocalPath: &path}
	got, err := l.Resolve(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Fatalf("want %s got %s", path, got)
	}
	if len(saver.calls) != 0 {
		t.Fatalf("a recorded-path hit must not mutate the record, got %v", saver.calls)
	}
}

func TestResolveUploadDirRepairsOnce(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "field.jpg")
	writeFile(t, want, "bytes")

	saver := &recordingSaver{}
	l := NewLocator(dir, nil, saver, nil, "")

	stale := filepath.Join(dir, "gone", "field.jpg")
	img := models.Image{ID: "img-2", Filename: "field.jpg", LocalPath: &stale}
	got, err := l.Resolve(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	if len(saver.calls) != 1 || saver.calls[0] != "img-2="+want {
		t.Fatalf("want exactly one repair, got %v", saver.calls)
	}

	// With the repaired path on the record, resolution is a tier-1 hit.
	img.LocalPath = &got
	if _, err := l.Resolve(context.Background(), img); err != nil {
		t.Fatal(err)
	}
	if len(saver.calls) != 1 {
		t.Fatalf("repaired record must not be repaired again, got %v", saver.calls)
	}
}

func TestResolveDownloadsFromObjectStore(t *testing.T) {
	remote := t.TempDir()
	uploads := t.TempDir()
	writeFile(t, filepath.Join(remote, "uploads/2026/08/24/field.jpg"), "remote bytes")

	saver := &recordingSaver{}
	l := NewLocator(uploads, NewLocalStore(remote), saver, staticThrottle{allow: true}, "dl:field-captures")

	img := models.Image{
		ID:           "img-3",
		Filename:     "field.jpg",
		RemoteStored: true,
		RemoteKey:    strPtr("uploads/2026/08/24/field.jpg"),
	}
	got, err := l.Resolve(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(uploads, "field.jpg")
	if got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "remote bytes" {
		t.Fatalf("downloaded content mismatch: %q", data)
	}
	if len(saver.calls) != 1 {
		t.Fatalf("download must persist the repaired path once, got %v", saver.calls)
	}
}

func TestResolveScansUploadDirCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "FIELD.JPG"), "bytes")

	saver := &recordingSaver{}
	l := NewLocator(dir, nil, saver, nil, "")

	img := models.Image{ID: "img-4", Filename: "field.jpg"}
	got, err := l.Resolve(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "FIELD.JPG" {
		t.Fatalf("want the on-disk casing, got %s", got)
	}
	if len(saver.calls) != 1 {
		t.Fatalf("scan hit must repair the record, got %v", saver.calls)
	}
}

func TestResolveExhaustedTiersIsNotFound(t *testing.T) {
	l := NewLocator(t.TempDir(), NewLocalStore(t.TempDir()), &recordingSaver{}, staticThrottle{allow: true}, "dl:field-captures")

	img := models.Image{
		ID:           "img-5",
		Filename:     "missing.jpg",
		RemoteStored: true,
		RemoteKey:    strPtr("uploads/missing.jpg"),
	}
	_, err := l.Resolve(context.Background(), img)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestResolveThrottledDownloadIsTransient(t *testing.T) {
	l := NewLocator(t.TempDir(), NewLocalStore(t.TempDir()), &recordingSaver{}, staticThrottle{allow: false}, "dl:field-captures")

	img := models.Image{
		ID:           "img-6",
		Filename:     "field.jpg",
		RemoteStored: true,
		RemoteKey:    strPtr("uploads/field.jpg"),
	}
	_, err := l.Resolve(context.Background(), img)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("a throttled download must surface as transient, got %v", err)
	}
}

func TestDownloadThrottleUsesConfiguredScope(t *testing.T) {
	remote := t.TempDir()
	uploads := t.TempDir()
	writeFile(t, filepath.Join(remote, "uploads/field.jpg"), "remote bytes")

	throttle := &keyRecordingThrottle{}
	l := NewLocator(uploads, NewLocalStore(remote), &recordingSaver{}, throttle, "dl:field-captures")

	img := models.Image{
		ID:           "img-8",
		Filename:     "field.jpg",
		RemoteStored: true,
		RemoteKey:    strPtr("uploads/field.jpg"),
	}
	if _, err := l.Resolve(context.Background(), img); err != nil {
		t.Fatal(err)
	}

	if len(throttle.keys) != 1 || throttle.keys[0] != "dl:field-captures" {
		t.Fatalf("want one check on the store scope, got %v", throttle.keys)
	}
	// Two workers with different upload dirs must draw from the same budget.
	if strings.Contains(throttle.keys[0], uploads) {
		t.Fatalf("throttle key must not depend on the local upload dir: %s", throttle.keys[0])
	}
}

func TestResolveSurvivesSaverFailure(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "field.jpg")
	writeFile(t, want, "bytes")

	saver := &recordingSaver{err: errors.New("db down")}
	l := NewLocator(dir, nil, saver, nil, "")

	got, err := l.Resolve(context.Background(), models.Image{ID: "img-7", Filename: "field.jpg"})
	if err != nil {
		t.Fatalf("found bytes must win over a failed repair, got %v", err)
	}
	if got != want {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestGenerateKeyIsDated(t *testing.T) {
	key := GenerateKey("field.jpg", "processed")
	if !regexp.MustCompile(`^processed/\d{4}/\d{2}/\d{2}/field\.jpg$`).MatchString(key) {
		t.Fatalf("unexpected key layout: %s", key)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	key := "processed/2026/08/24/ndvi_field.png"
	if _, err := store.Upload(context.Background(), key, bytes.NewReader([]byte("png bytes")), "image/png"); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "field.png")
	if err := store.Download(context.Background(), key, dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png bytes" {
		t.Fatalf("round trip mismatch: %q", data)
	}
	if _, err := os.Stat(dest + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file must not outlive the download")
	}

	err = store.Download(context.Background(), "processed/nope.png", dest)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object: want ErrNotFound got %v", err)
	}
}

func TestSanitizeKeyStripsTraversal(t *testing.T) {
	got := sanitizeKey("../../etc/passwd")
	if strings.Contains(got, "..") {
		t.Fatalf("sanitized key still escapes the base dir: %s", got)
	}
}
