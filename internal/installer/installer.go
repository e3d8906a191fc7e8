// Package installer materializes plugin install payloads onto disk. It
// downloads, verifies and extracts archives, clones source repositories, and
// copies local trees, returning the parsed manifest for registration.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/store"
	"github.com/hearth-home/hearth/internal/validate"
)

const (
	maxArchiveSize      = 500 * 1024 * 1024      // 500 MB per file
	maxTotalExtractSize = 2 * 1024 * 1024 * 1024 // 2 GB cumulative extraction limit
	maxFileCount        = 10000
)

var (
	// ErrUnknownInstallType indicates an install type the backend cannot serve.
	ErrUnknownInstallType = errors.New("installer: unknown install type")
	// ErrBadPayload indicates a payload missing required fields.
	ErrBadPayload = errors.New("installer: invalid install payload")
)

// Result describes an installed plugin tree.
type Result struct {
	Manifest plugin.Manifest
	Dir      string
}

// Backend materializes an install job's payload into an installed plugin.
type Backend interface {
	Install(ctx context.Context, job store.InstallJob) (*Result, error)
}

// Installer is the default Backend. It installs plugins under pluginDir,
// one directory per plugin name.
type Installer struct {
	pluginDir string
	http      *http.Client
	git       GitRunner
	logger    *log.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithHTTPClient overrides the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(inst *Installer) {
		if c != nil {
			inst.http = c
		}
	}
}

// WithGitRunner overrides the git clone implementation.
func WithGitRunner(g GitRunner) Option {
	return func(inst *Installer) {
		if g != nil {
			inst.git = g
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(inst *Installer) {
		if logger != nil {
			inst.logger = logger
		}
	}
}

// New creates an Installer rooted at pluginDir.
func New(pluginDir string, opts ...Option) *Installer {
	inst := &Installer{
		pluginDir: pluginDir,
		git:       execGitRunner{},
		logger:    log.Default(),
		http: &http.Client{
			Timeout: 5 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				// Block redirects to non-HTTP(S) schemes.
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme: %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// Install dispatches on the job's install type.
func (inst *Installer) Install(ctx context.Context, job store.InstallJob) (*Result, error) {
	switch job.InstallType {
	case constants.InstallTypeURL:
		return inst.installFromURL(ctx, job)
	case constants.InstallTypeGit:
		return inst.installFromGit(ctx, job)
	case constants.InstallTypeLocal:
		return inst.installFromLocal(ctx, job)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstallType, job.InstallType)
	}
}

func (inst *Installer) installFromURL(ctx context.Context, job store.InstallJob) (*Result, error) {
	rawURL, _ := job.Payload["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url required", ErrBadPayload)
	}

	tmpFile, err := inst.downloadToTemp(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("installer: download archive: %w", err)
	}
	defer os.Remove(tmpFile)

	if expected, _ := job.Payload["sha256"].(string); expected != "" {
		if err := verifySHA256(tmpFile, expected); err != nil {
			return nil, fmt.Errorf("installer: integrity check failed: %w", err)
		}
	} else {
		inst.logger.Printf("[Installer] WARNING: installing %s without integrity verification (no expected SHA-256)", job.PluginName)
	}

	return inst.installFromArchive(ctx, tmpFile, job.PluginName)
}

func (inst *Installer) installFromGit(ctx context.Context, job store.InstallJob) (*Result, error) {
	repo, _ := job.Payload["repo"].(string)
	if repo == "" {
		return nil, fmt.Errorf("%w: repo required", ErrBadPayload)
	}
	ref, _ := job.Payload["ref"].(string)

	tmpDir, err := os.MkdirTemp("", "hearth-plugin-*")
	if err != nil {
		return nil, fmt.Errorf("installer: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := inst.git.Clone(ctx, repo, ref, tmpDir); err != nil {
		return nil, fmt.Errorf("installer: clone %s: %w", repo, err)
	}
	return inst.installFromDir(tmpDir, job.PluginName)
}

func (inst *Installer) installFromLocal(ctx context.Context, job store.InstallJob) (*Result, error) {
	path, _ := job.Payload["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("%w: path required", ErrBadPayload)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("installer: resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("installer: stat path: %w", err)
	}

	if info.IsDir() {
		return inst.installFromDir(absPath, job.PluginName)
	}
	return inst.installFromArchive(ctx, absPath, job.PluginName)
}

func (inst *Installer) installFromArchive(ctx context.Context, archivePath, expectedName string) (*Result, error) {
	tmpDir, err := os.MkdirTemp("", "hearth-plugin-*")
	if err != nil {
		return nil, fmt.Errorf("installer: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractArchive(ctx, archivePath, tmpDir); err != nil {
		return nil, fmt.Errorf("installer: extract archive: %w", err)
	}
	return inst.installFromDir(tmpDir, expectedName)
}

func (inst *Installer) installFromDir(dir, expectedName string) (*Result, error) {
	// plugin.yaml may sit at the root or inside a single top-level directory
	// (the usual shape of release archives).
	manifestDir := dir
	manifest, err := plugin.LoadManifest(dir)
	if err != nil {
		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			return nil, fmt.Errorf("installer: read extracted directory: %w", readErr)
		}
		found := false
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			subDir := filepath.Join(dir, e.Name())
			if manifest, err = plugin.LoadManifest(subDir); err == nil {
				manifestDir = subDir
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("installer: no valid %s found", plugin.ManifestFileName)
		}
	}

	if !validate.Ident(manifest.Name) {
		return nil, fmt.Errorf("installer: manifest contains invalid plugin name %q", manifest.Name)
	}
	if expectedName != "" && manifest.Name != expectedName {
		return nil, fmt.Errorf("installer: name mismatch: job says %q but manifest says %q", expectedName, manifest.Name)
	}

	destDir := filepath.Join(inst.pluginDir, manifest.Name)
	staging := destDir + ".staging"
	os.RemoveAll(staging)
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return nil, fmt.Errorf("installer: create plugin directory: %w", err)
	}
	if err := copyDir(manifestDir, staging); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("installer: install plugin files: %w", err)
	}

	// Replace any previous install of the same plugin.
	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("installer: clear previous install: %w", err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("installer: finalize install: %w", err)
	}

	inst.logger.Printf("[Installer] installed plugin %s version %s at %s", manifest.Name, manifest.Version, destDir)
	return &Result{Manifest: manifest, Dir: destDir}, nil
}

// Uninstall removes a plugin's installed files.
func (inst *Installer) Uninstall(name string) error {
	if !validate.Ident(name) {
		return fmt.Errorf("installer: invalid plugin name %q", name)
	}
	if err := os.RemoveAll(filepath.Join(inst.pluginDir, name)); err != nil {
		return fmt.Errorf("installer: remove plugin files: %w", err)
	}
	return nil
}

func (inst *Installer) downloadToTemp(ctx context.Context, rawURL string) (string, error) {
	if err := validate.HTTPURL(rawURL); err != nil {
		return "", err
	}
	if err := validate.RejectPrivateURL(rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "hearth-plugin-installer/1.0")

	resp, err := inst.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	tmpFile, err := os.CreateTemp("", constants.PluginInstallerTempFilePattern)
	if err != nil {
		return "", err
	}

	success := false
	name := tmpFile.Name()
	defer func() {
		if !success {
			tmpFile.Close()
			if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
				inst.logger.Printf("[Installer] WARNING: failed to remove temp file %s: %v", name, rmErr)
			}
		}
	}()

	lr := io.LimitReader(resp.Body, maxArchiveSize+1) // one extra byte detects truncation
	n, err := io.Copy(tmpFile, lr)
	if err != nil {
		return "", err
	}
	if n > maxArchiveSize {
		return "", fmt.Errorf("archive exceeds maximum size (%d bytes)", maxArchiveSize)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}
	success = true
	return name, nil
}

var errNoChecksum = errors.New("no SHA-256 checksum provided")

func verifySHA256(path, expected string) error {
	expected = strings.TrimSpace(strings.ToLower(expected))
	if expected == "" {
		return errNoChecksum
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("SHA-256 mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
