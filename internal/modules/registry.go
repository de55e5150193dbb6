package modules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/GriffinCanCode/modbridge/internal/infrastructure/config"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	metadataPattern = "**/metadata.{json,yaml,yml,toml}"
	codeFile        = "code.js"
)

var (
	ErrModuleNotFound    = errors.New("module not found")
	ErrInvalidMetadata   = errors.New("invalid module metadata")
	ErrUnsupportedFormat = errors.New("unsupported metadata format")
	ErrNotText           = errors.New("module script is not text")
)

// Provider supplies module scripts to the runner.
type Provider interface {
	Get(id string) (*Module, error)
	List() []Metadata
	Prelude() string
}

// Stats summarizes a Reload.
type Stats struct {
	Modules int `json:"modules"`
	Repos   int `json:"repos"`
	Failed  int `json:"failed"`
}

// Registry is a Provider backed by a module directory. A metadata file next
// to a code.js is a module; any other metadata file marks a repo root.
type Registry struct {
	root   string
	common string
	logger *zap.Logger

	mu      sync.RWMutex
	modules map[string]*Module
	repos   map[string]Repo
	prelude string
}

// NewRegistry creates an empty registry. Call Reload to populate it.
func NewRegistry(cfg config.ModulesConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		root:    cfg.Dir,
		common:  cfg.Common,
		logger:  logger,
		modules: make(map[string]*Module),
		repos:   make(map[string]Repo),
	}
}

// Get returns the module with the given id.
func (r *Registry) Get(id string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	return mod, nil
}

// List returns module metadata sorted by id.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Metadata, 0, len(r.modules))
	for _, mod := range r.modules {
		list = append(list, mod.Metadata)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Repos returns repo metadata sorted by id.
func (r *Registry) Repos() []Repo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Repo, 0, len(r.repos))
	for _, repo := range r.repos {
		list = append(list, repo)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Prelude returns the shared script evaluated before every module.
func (r *Registry) Prelude() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prelude
}

// Reload rescans the module directory and replaces the registry contents.
// Entries that fail to load are logged and skipped.
func (r *Registry) Reload(ctx context.Context) (Stats, error) {
	if _, err := os.Stat(r.root); errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("Module directory not found", zap.String("dir", r.root))
		r.swap(nil, nil, "")
		return Stats{}, nil
	}

	paths, err := r.discover(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("scan %s: %w", r.root, err)
	}

	var stats Stats
	modules := make(map[string]*Module)
	repos := make(map[string]Repo)
	repoDirs := make(map[string]string)

	for _, path := range paths {
		dir := filepath.Dir(path)
		if _, err := os.Stat(filepath.Join(dir, codeFile)); err != nil {
			repo, err := loadRepo(path)
			if err != nil {
				r.logger.Warn("Failed to load repo", zap.String("path", path), zap.Error(err))
				stats.Failed++
				continue
			}
			repos[repo.ID] = repo
			repoDirs[dir] = repo.ID
			continue
		}

		mod, err := loadModule(path)
		if err != nil {
			r.logger.Warn("Failed to load module", zap.String("path", path), zap.Error(err))
			stats.Failed++
			continue
		}
		if prev, ok := modules[mod.ID]; ok {
			r.logger.Warn("Duplicate module id",
				zap.String("id", mod.ID),
				zap.String("kept", prev.Dir),
				zap.String("skipped", mod.Dir))
			stats.Failed++
			continue
		}
		modules[mod.ID] = mod
	}

	for _, mod := range modules {
		mod.Repo = owningRepo(mod.Dir, repoDirs)
	}

	prelude, err := r.loadPrelude()
	if err != nil {
		return Stats{}, err
	}

	r.swap(modules, repos, prelude)
	stats.Modules = len(modules)
	stats.Repos = len(repos)

	r.logger.Info("Modules loaded",
		zap.String("dir", r.root),
		zap.Int("modules", stats.Modules),
		zap.Int("repos", stats.Repos),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

// discover returns metadata file paths under root in lexical order.
func (r *Registry) discover(ctx context.Context) ([]string, error) {
	var (
		mu    sync.Mutex
		paths []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, r.root, func(p string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.Match(metadataPattern, filepath.ToSlash(rel)); ok {
			mu.Lock()
			paths = append(paths, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *Registry) loadPrelude() (string, error) {
	if r.common == "" {
		return "", nil
	}
	path := filepath.Join(r.root, r.common)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read prelude: %w", err)
	}
	if !isText(data) {
		return "", fmt.Errorf("%w: %s", ErrNotText, path)
	}
	return string(data), nil
}

func (r *Registry) swap(modules map[string]*Module, repos map[string]Repo, prelude string) {
	if modules == nil {
		modules = make(map[string]*Module)
	}
	if repos == nil {
		repos = make(map[string]Repo)
	}
	r.mu.Lock()
	r.modules, r.repos, r.prelude = modules, repos, prelude
	r.mu.Unlock()
}

func loadRepo(path string) (Repo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Repo{}, err
	}
	var repo Repo
	if err := decode(path, data, &repo); err != nil {
		return Repo{}, err
	}
	if repo.ID == "" {
		repo.ID = filepath.Base(filepath.Dir(path))
	}
	return repo, nil
}

func loadModule(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := decode(path, data, &md); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if md.ID == "" {
		md.ID = filepath.Base(dir)
	}
	if md.Name == "" {
		md.Name = md.ID
	}

	src, err := os.ReadFile(filepath.Join(dir, codeFile))
	if err != nil {
		return nil, err
	}
	if !isText(src) {
		return nil, fmt.Errorf("%w: %s", ErrNotText, filepath.Join(dir, codeFile))
	}
	return &Module{Metadata: md, Dir: dir, Source: string(src)}, nil
}

// owningRepo returns the id of the closest repo directory above dir.
func owningRepo(dir string, repoDirs map[string]string) string {
	for d := filepath.Dir(dir); ; d = filepath.Dir(d) {
		if id, ok := repoDirs[d]; ok {
			return id
		}
		if parent := filepath.Dir(d); parent == d {
			return ""
		}
	}
}

// isText reports whether data sniffs as some kind of text.
func isText(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
