package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/store"
)

const testPluginManifest = `name: hue
version: 1.0.0
supportedModes: [in_process]
`

func writePluginDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(testPluginManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.js"), []byte("// entry\n"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return dir
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestInstallFromLocalDir(t *testing.T) {
	t.Parallel()

	src := writePluginDir(t, "hue-src")
	pluginDir := t.TempDir()
	inst := New(pluginDir)

	res, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "hue",
		InstallType: constants.InstallTypeLocal,
		Payload:     map[string]any{"path": src},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if res.Manifest.Name != "hue" {
		t.Fatalf("unexpected manifest: %+v", res.Manifest)
	}
	if res.Dir != filepath.Join(pluginDir, "hue") {
		t.Fatalf("unexpected install dir: %s", res.Dir)
	}
	if _, err := os.Stat(filepath.Join(res.Dir, "plugin.js")); err != nil {
		t.Fatalf("asset not copied: %v", err)
	}

	// Reinstall replaces the previous tree.
	if _, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "hue",
		InstallType: constants.InstallTypeLocal,
		Payload:     map[string]any{"path": src},
	}); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
}

func TestInstallFromLocalArchiveWithSubdir(t *testing.T) {
	t.Parallel()

	archive := buildZip(t, map[string]string{
		"hue-1.0.0/" + plugin.ManifestFileName: testPluginManifest,
		"hue-1.0.0/plugin.js":                  "// entry\n",
	})
	archivePath := filepath.Join(t.TempDir(), "hue.zip")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	inst := New(t.TempDir())
	res, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "hue",
		InstallType: constants.InstallTypeLocal,
		Payload:     map[string]any{"path": archivePath},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.Dir, "plugin.js")); err != nil {
		t.Fatalf("asset not extracted: %v", err)
	}
}

func TestInstallNameMismatchRejected(t *testing.T) {
	t.Parallel()

	src := writePluginDir(t, "hue-src")
	inst := New(t.TempDir())

	_, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "zwave",
		InstallType: constants.InstallTypeLocal,
		Payload:     map[string]any{"path": src},
	})
	if err == nil {
		t.Fatalf("expected name mismatch rejection")
	}
}

func TestInstallFromURLWithChecksum(t *testing.T) {
	t.Parallel()

	archive := buildZip(t, map[string]string{
		plugin.ManifestFileName: testPluginManifest,
	})
	sum := sha256.Sum256(archive)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	// The test server listens on loopback, which the private address guard
	// rejects; rewrite the outgoing host to the local listener instead.
	client := &http.Client{Transport: rewriteHostTransport{target: srv.Listener.Addr().String()}}
	inst := New(t.TempDir(), WithHTTPClient(client))

	res, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "hue",
		InstallType: constants.InstallTypeURL,
		Payload: map[string]any{
			"url":    "http://plugins.example.com/hue.zip",
			"sha256": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		t.Fatalf("install from url: %v", err)
	}
	if res.Manifest.Name != "hue" {
		t.Fatalf("unexpected manifest: %+v", res.Manifest)
	}
}

func TestVerifySHA256(t *testing.T) {
	t.Parallel()

	archive := buildZip(t, map[string]string{
		plugin.ManifestFileName: testPluginManifest,
	})
	sum := sha256.Sum256(archive)

	archivePath := filepath.Join(t.TempDir(), "hue.zip")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	if err := verifySHA256(archivePath, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("verify checksum: %v", err)
	}
	if err := verifySHA256(archivePath, "deadbeef"); err == nil {
		t.Fatalf("expected checksum mismatch")
	}
	if err := verifySHA256(archivePath, ""); !errors.Is(err, errNoChecksum) {
		t.Fatalf("expected errNoChecksum, got %v", err)
	}
}

func TestInstallURLRejectsPrivateHosts(t *testing.T) {
	t.Parallel()

	inst := New(t.TempDir())
	_, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "hue",
		InstallType: constants.InstallTypeURL,
		Payload:     map[string]any{"url": "http://169.254.169.254/latest"},
	})
	if err == nil {
		t.Fatalf("expected private address rejection")
	}
}

func TestZipSlipRejected(t *testing.T) {
	t.Parallel()

	archive := buildZip(t, map[string]string{
		"../escape.txt": "nope",
	})
	archivePath := filepath.Join(t.TempDir(), "evil.zip")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	if err := extractZip(context.Background(), archivePath, t.TempDir()); err == nil {
		t.Fatalf("expected zip slip rejection")
	}
}

func TestInstallFromGitUsesRunner(t *testing.T) {
	t.Parallel()

	runner := &fakeGit{manifest: testPluginManifest}
	inst := New(t.TempDir(), WithGitRunner(runner))

	res, err := inst.Install(context.Background(), store.InstallJob{
		PluginName:  "hue",
		InstallType: constants.InstallTypeGit,
		Payload:     map[string]any{"repo": "https://git.example.com/hue.git", "ref": "v1.0.0"},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if runner.repo != "https://git.example.com/hue.git" || runner.ref != "v1.0.0" {
		t.Fatalf("runner not invoked with payload: %+v", runner)
	}
	if res.Manifest.Name != "hue" {
		t.Fatalf("unexpected manifest: %+v", res.Manifest)
	}
}

func TestUnknownInstallType(t *testing.T) {
	t.Parallel()

	inst := New(t.TempDir())
	_, err := inst.Install(context.Background(), store.InstallJob{InstallType: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownInstallType) {
		t.Fatalf("expected ErrUnknownInstallType, got %v", err)
	}
}

type rewriteHostTransport struct {
	target string
}

func (tr rewriteHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Host = tr.target
	return http.DefaultTransport.RoundTrip(clone)
}

type fakeGit struct {
	manifest string
	repo     string
	ref      string
}

func (f *fakeGit) Clone(_ context.Context, repo, ref, destDir string) error {
	f.repo = repo
	f.ref = ref
	return os.WriteFile(filepath.Join(destDir, plugin.ManifestFileName), []byte(f.manifest), 0o644)
}
