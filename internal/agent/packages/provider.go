// Package packages resolves package definitions and chatbot instances.
package packages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chative/agent-runtime/internal/agent/model"
	logx "github.com/chative/agent-runtime/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Provider is the package source consumed by the engine. GetPackage is a cheap
// lookup; LoadPackage is the dynamic fallback. Both return nil, nil when absent.
type Provider interface {
	GetPackage(id string) *model.PackageConfig
	LoadPackage(ctx context.Context, id string) (*model.PackageConfig, error)
}

// Loader fetches a package definition from an external source.
type Loader interface {
	Load(ctx context.Context, id string) (*model.PackageConfig, error)
}

// Registry is an in-memory package registry backed by an optional dynamic loader.
// Dynamically loaded packages are registered for later lookups.
type Registry struct {
	mu       sync.RWMutex
	packages map[string]*model.PackageConfig
	loader   Loader
}

func NewRegistry(loader Loader) *Registry {
	return &Registry{packages: make(map[string]*model.PackageConfig), loader: loader}
}

func (r *Registry) Register(pkg *model.PackageConfig) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.packages[pkg.ID] = pkg
	r.mu.Unlock()
	return nil
}

func (r *Registry) GetPackage(id string) *model.PackageConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.packages[id]
}

func (r *Registry) LoadPackage(ctx context.Context, id string) (*model.PackageConfig, error) {
	if r.loader == nil {
		return nil, nil
	}
	pkg, err := r.loader.Load(ctx, id)
	if err != nil || pkg == nil {
		return nil, err
	}
	if err := r.Register(pkg); err != nil {
		return nil, fmt.Errorf("invalid package %q: %w", id, err)
	}
	logx.Info().Str("package_id", id).Str("version", pkg.Version).Msg("package loaded dynamically")
	return pkg, nil
}

// Resolve returns the registered package, else tries the dynamic loader.
func Resolve(ctx context.Context, p Provider, id string) (*model.PackageConfig, error) {
	if pkg := p.GetPackage(id); pkg != nil {
		return pkg, nil
	}
	pkg, err := p.LoadPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, fmt.Errorf("package %q not found", id)
	}
	return pkg, nil
}

// YAMLLoader reads <dir>/<id>.yaml.
type YAMLLoader struct {
	Dir string
}

func (l YAMLLoader) Load(_ context.Context, id string) (*model.PackageConfig, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("invalid package id %q", id)
	}
	raw, err := os.ReadFile(filepath.Join(l.Dir, id+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read package %q: %w", id, err)
	}
	var pkg model.PackageConfig
	if err := yaml.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("parse package %q: %w", id, err)
	}
	if pkg.ID == "" {
		pkg.ID = id
	}
	return &pkg, nil
}

var (
	_ Provider = (*Registry)(nil)
	_ Loader   = YAMLLoader{}
)
