// Package plugin resolves named implementations of the pipeline's extension
// points and constructs them from their configuration.
//
// Implementations are compiled in: each plugin package registers a
// Definition in a Catalog at startup. A Registry is the per-process
// resolution state on top of a catalog: the resolved-name cache, the
// parameters configured for the current stage, and the construction hooks.
package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/pkg/model"
)

// Env carries the services shared by every constructed plugin.
type Env struct {
	Logger      *slog.Logger
	Checkpoints *checkpoint.Store
}

// Factory builds an implementation from its decoded parameters. params is
// the pointer returned by the definition's Params function.
type Factory func(params any, env Env) (any, error)

// Definition declares one implementation.
type Definition struct {
	Name string
	Role Role
	// Location identifies where the implementation lives, for diagnostics.
	Location string
	// Params returns a pointer to a parameter struct holding the defaults.
	Params func() any
	New    Factory
	// Requirements lists external runtime dependencies installed before the
	// first construction.
	Requirements []string
}

// Catalog holds every compiled-in definition.
type Catalog struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	byRole   map[Role][]string
	defaults map[Role]string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		defs:     map[string]*Definition{},
		byRole:   map[Role][]string{},
		defaults: map[Role]string{},
	}
}

// Register adds a definition. A name can only be registered once.
func (c *Catalog) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("plugin: name is required")
	}
	if def.New == nil || def.Params == nil {
		return fmt.Errorf("plugin: factory and params are required for %s", def.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, exists := c.defs[def.Name]; exists {
		return &model.PluginError{
			Kind:      model.PluginAmbiguous,
			Name:      def.Name,
			Role:      string(def.Role),
			Locations: []string{prev.Location, def.Location},
		}
	}
	d := def
	c.defs[def.Name] = &d
	c.byRole[def.Role] = append(c.byRole[def.Role], def.Name)
	return nil
}

// MustRegister panics if registration fails.
func (c *Catalog) MustRegister(def Definition) {
	if err := c.Register(def); err != nil {
		panic(err)
	}
}

// SetDefault names the implementation used when a role is requested without
// a name.
func (c *Catalog) SetDefault(role Role, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults[role] = name
}

// Default returns the default implementation name of role.
func (c *Catalog) Default(role Role) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults[role]
}

// Names returns the sorted names registered for role.
func (c *Catalog) Names(role Role) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := append([]string(nil), c.byRole[role]...)
	sort.Strings(names)
	return names
}

func (c *Catalog) lookup(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

// Installer prepares the external dependencies of a definition.
type Installer func(def *Definition) error

// ConstructHook runs after every successful construction.
type ConstructHook func(def *Definition, instance any, params any)

// Registry resolves and constructs implementations for one process.
type Registry struct {
	catalog   *Catalog
	env       Env
	logger    *slog.Logger
	installer Installer
	hooks     []ConstructHook

	mu        sync.Mutex
	resolved  map[string]*Definition
	scanned   map[Role]bool
	configs   map[string]model.ContextParams
	roleNames map[Role][]string
	installed map[string]bool
}

// NewRegistry creates a registry over catalog.
func NewRegistry(catalog *Catalog, env Env) *Registry {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	r := &Registry{
		catalog:   catalog,
		env:       env,
		logger:    env.Logger.With("component", "plugin"),
		installed: map[string]bool{},
	}
	r.installer = r.logRequirements
	r.hooks = []ConstructHook{r.logConstructed}
	r.reset()
	return r
}

// SetInstaller replaces the dependency installer.
func (r *Registry) SetInstaller(fn Installer) {
	r.installer = fn
}

// OnConstruct adds a hook run after each construction.
func (r *Registry) OnConstruct(fn ConstructHook) {
	r.hooks = append(r.hooks, fn)
}

// Catalog returns the underlying catalog.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// Env returns the services handed to factories.
func (r *Registry) Env() Env {
	return r.env
}

// Clear drops the resolution cache and every configured parameter set, so an
// independent configuration pass starts clean.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Registry) reset() {
	r.resolved = map[string]*Definition{}
	r.scanned = map[Role]bool{}
	r.configs = map[string]model.ContextParams{}
	r.roleNames = map[Role][]string{}
}

// Resolve finds the implementation for name and/or role. An empty name means
// the role's default. The definition's Location tells where it was found.
func (r *Registry) Resolve(name string, role Role) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(name, role)
}

func (r *Registry) resolveLocked(name string, role Role) (*Definition, error) {
	if name == "" && role == "" {
		return nil, errors.New("plugin: a name or a role is required")
	}
	if name == "" {
		name = r.catalog.Default(role)
		if name == "" {
			return nil, &model.PluginError{Kind: model.PluginNotFound, Role: string(role)}
		}
	}

	def, ok := r.resolved[name]
	if !ok {
		r.scanLocked(role)
		def, ok = r.resolved[name]
	}
	if !ok {
		if other, exists := r.catalog.lookup(name); exists && role != "" && other.Role != role {
			return nil, &model.PluginError{Kind: model.PluginWrongRole, Name: name, Role: string(role)}
		}
		return nil, &model.PluginError{Kind: model.PluginNotFound, Name: name, Role: string(role)}
	}
	if role != "" && def.Role != role {
		return nil, &model.PluginError{Kind: model.PluginWrongRole, Name: name, Role: string(role)}
	}
	return def, nil
}

// scanLocked indexes the catalog entries of role, or of every role when role
// is empty. Each role is indexed once until Clear.
func (r *Registry) scanLocked(role Role) {
	roles := []Role{role}
	if role == "" {
		roles = Roles
	}
	for _, ro := range roles {
		if r.scanned[ro] {
			continue
		}
		for _, n := range r.catalog.Names(ro) {
			if d, ok := r.catalog.lookup(n); ok {
				r.resolved[n] = d
			}
		}
		r.scanned[ro] = true
		r.logger.Debug("role indexed", "role", ro, "count", len(r.catalog.Names(ro)))
	}
}

// Configure records the parameters of one implementation for later
// construction and returns its definition.
func (r *Registry) Configure(name string, role Role, params model.ContextParams) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, err := r.resolveLocked(name, role)
	if err != nil {
		return nil, err
	}
	r.configs[def.Name] = params.Clone()
	for _, n := range r.roleNames[def.Role] {
		if n == def.Name {
			return def, nil
		}
	}
	r.roleNames[def.Role] = append(r.roleNames[def.Role], def.Name)
	return def, nil
}

// Bind replaces the configured step set with plugins.
func (r *Registry) Bind(plugins []model.PluginConfig) error {
	r.mu.Lock()
	r.configs = map[string]model.ContextParams{}
	r.roleNames = map[Role][]string{}
	r.mu.Unlock()

	for _, p := range plugins {
		if _, err := r.Configure(p.PluginImplement, Role(p.PluginType), p.ContextParams); err != nil {
			return err
		}
	}
	return nil
}

// ConfiguredNames returns the names configured for role, in configuration order.
func (r *Registry) ConfiguredNames(role Role) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.roleNames[role]...)
}

// Construct builds the named implementation from its configured parameters
// merged with overrides, overrides winning.
func (r *Registry) Construct(name string, overrides model.ContextParams) (any, error) {
	r.mu.Lock()
	def, err := r.resolveLocked(name, "")
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	values := r.configs[def.Name].Clone()
	needInstall := !r.installed[def.Name]
	r.installed[def.Name] = true
	r.mu.Unlock()

	if needInstall && r.installer != nil {
		if err := r.installer(def); err != nil {
			r.mu.Lock()
			delete(r.installed, def.Name)
			r.mu.Unlock()
			return nil, fmt.Errorf("install requirements of %s: %w", def.Name, err)
		}
	}

	for k, v := range overrides {
		values[k] = v
	}
	params := def.Params()
	if err := Decode(values, params); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", def.Name, err)
	}

	inst, err := def.New(params, r.env)
	if err != nil {
		return nil, fmt.Errorf("construct plugin %s: %w", def.Name, err)
	}
	if !satisfies(def.Role, inst) {
		return nil, &model.PluginError{Kind: model.PluginWrongRole, Name: def.Name, Role: string(def.Role)}
	}
	for _, hook := range r.hooks {
		hook(def, inst, params)
	}
	return inst, nil
}

// ClassByRole returns the first implementation configured for role,
// resolving the role's default when none is configured.
func (r *Registry) ClassByRole(role Role) (*Definition, error) {
	names, err := r.namesForRole(role)
	if err != nil {
		return nil, err
	}
	return r.Resolve(names[0], role)
}

// InstancesByRole constructs every implementation configured for role,
// resolving the role's default when none is configured.
func (r *Registry) InstancesByRole(role Role, overrides model.ContextParams) ([]any, error) {
	names, err := r.namesForRole(role)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(names))
	for _, n := range names {
		inst, err := r.Construct(n, overrides)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *Registry) namesForRole(role Role) ([]string, error) {
	if names := r.ConfiguredNames(role); len(names) > 0 {
		return names, nil
	}
	def, err := r.Configure("", role, nil)
	if err != nil {
		return nil, err
	}
	return []string{def.Name}, nil
}

// Instances constructs every implementation of role as T.
func Instances[T any](r *Registry, role Role, overrides model.ContextParams) ([]T, error) {
	insts, err := r.InstancesByRole(role, overrides)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(insts))
	for _, inst := range insts {
		v, ok := inst.(T)
		if !ok {
			return nil, &model.PluginError{Kind: model.PluginWrongRole, Name: fmt.Sprintf("%T", inst), Role: string(role)}
		}
		out = append(out, v)
	}
	return out, nil
}

// Single constructs the first implementation of role as T.
func Single[T any](r *Registry, role Role, overrides model.ContextParams) (T, error) {
	var zero T
	def, err := r.ClassByRole(role)
	if err != nil {
		return zero, err
	}
	return Named[T](r, def.Name, overrides)
}

// Named constructs the implementation name as T.
func Named[T any](r *Registry, name string, overrides model.ContextParams) (T, error) {
	var zero T
	inst, err := r.Construct(name, overrides)
	if err != nil {
		return zero, err
	}
	v, ok := inst.(T)
	if !ok {
		return zero, &model.PluginError{Kind: model.PluginWrongRole, Name: name}
	}
	return v, nil
}

func (r *Registry) logRequirements(def *Definition) error {
	if len(def.Requirements) > 0 {
		r.logger.Info("plugin requirements", "plugin", def.Name, "requirements", def.Requirements)
	}
	return nil
}

func (r *Registry) logConstructed(def *Definition, _ any, _ any) {
	r.logger.Debug("plugin instantiation completed", "plugin", def.Name, "role", def.Role)
}
