package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a module id has no descriptor. Callers are
// expected to skip the module and keep going, not to abort.
var ErrNotFound = errors.New("module not found")

// Catalog is the interface for looking up vulnerability module descriptors.
// Consumers should depend on this interface rather than the concrete Index.
type Catalog interface {
	Get(domain, moduleID string) (*Module, error)
	GetAll() []*Module
	BuildIndex(baseDir string) error
}

// Compile-time check that Index implements Catalog.
var _ Catalog = (*Index)(nil)

type Index struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// Module is the static descriptor shipped alongside each vulnerability
// module's source, parsed from its module.yml.
type Module struct {
	ModuleID      string   `yaml:"module_id"`
	Domain        string   `yaml:"domain"`
	Route         string   `yaml:"route"`
	Points        int      `yaml:"points"`
	Difficulty    string   `yaml:"difficulty"`     // low | medium | high
	SolveMethod   string   `yaml:"solve_method"`   // gui | api | terminal | file
	ContainerPort int      `yaml:"container_port"` // port the module serves inside its image
	Downloads     []string `yaml:"downloads"`      // artifact paths for file-method modules
	Solution      string   `yaml:"solution"`       // canned solution walkthrough
	Hints         []string `yaml:"hints"`
	ContextDir    string   `yaml:"-"` // directory containing the module's Dockerfile
}

func NewIndex(baseDir string) (*Index, error) {
	idx := &Index{
		modules: make(map[string]*Module),
	}
	err := idx.BuildIndex(baseDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) BuildIndex(baseDir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.modules = make(map[string]*Module)
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if d != nil && d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if err != nil || d.IsDir() || (d.Name() != "module.yml" && d.Name() != "module.yaml") {
			return err
		}
		mod, err := parseModule(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		mod.ContextDir = filepath.Dir(path)
		key := mod.Domain + "/" + mod.ModuleID
		idx.modules[key] = mod
		zap.S().Infof("Registered module: %s", key)

		return filepath.SkipDir
	})
	return err
}

func (idx *Index) Get(domain, moduleID string) (*Module, error) {
	key := domain + "/" + moduleID
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	mod, ok := idx.modules[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return mod, nil
}

func (idx *Index) GetAll() []*Module {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	mods := make([]*Module, 0, len(idx.modules))
	for _, m := range idx.modules {
		mods = append(mods, m)
	}
	return mods
}

func parseModule(moduleFilePath string) (*Module, error) {
	data, err := os.ReadFile(moduleFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read module file: %w", err)
	}
	var mod Module
	err = yaml.Unmarshal(data, &mod)
	if err != nil {
		return nil, fmt.Errorf("failed to parse module file: %w", err)
	}
	if mod.ModuleID == "" {
		return nil, fmt.Errorf("missing module_id in module file")
	}
	if mod.Domain == "" {
		return nil, fmt.Errorf("missing domain in module file")
	}
	if mod.Route == "" {
		return nil, fmt.Errorf("missing route in module file")
	}
	if mod.Points <= 0 {
		return nil, fmt.Errorf("missing or invalid points in module file")
	}
	switch mod.Difficulty {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("invalid difficulty %q in module file", mod.Difficulty)
	}
	switch mod.SolveMethod {
	case "gui", "api", "terminal", "file":
	case "":
		mod.SolveMethod = "gui"
	default:
		return nil, fmt.Errorf("invalid solve_method %q in module file", mod.SolveMethod)
	}
	if mod.ContainerPort == 0 {
		mod.ContainerPort = 80
	}

	return &mod, nil
}
