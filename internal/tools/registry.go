package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"tandem/internal/logging"
)

// SourceBuiltin marks tools compiled into the binary.
const SourceBuiltin = "builtin"

// Meta describes a tool's registration metadata.
type Meta struct {
	// Source identifies where the tool came from, e.g. "builtin" or
	// "mcp:<server-id>". Re-registering the same name from the same
	// source is a no-op; from a different source it is a collision.
	Source string

	Category         Category
	Risk             RiskLevel
	RequiresApproval bool

	// Deferred tools are registered but excluded from the default
	// declaration set until explicitly requested.
	Deferred bool

	// Callers restricts which caller kinds may see the tool.
	// Empty means available to all callers.
	Callers []CallerKind
}

// Entry is a registered tool plus its metadata.
type Entry struct {
	Tool Tool
	Meta Meta
}

// AllowsCaller reports whether the entry is visible to the given caller.
func (e *Entry) AllowsCaller(caller CallerKind) bool {
	if len(e.Meta.Callers) == 0 {
		return true
	}
	for _, c := range e.Meta.Callers {
		if c == caller {
			return true
		}
	}
	return false
}

// Registry manages the collection of available tools.
type Registry struct {
	entries map[string]*Entry
	aliases map[string]string
	mu      sync.RWMutex
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		aliases: make(map[string]string),
	}
}

// Register adds a tool to the registry. Registering the same name again
// from the same source is idempotent; from a different source it fails.
func (r *Registry) Register(tool Tool, meta Meta) error {
	if meta.Source == "" {
		meta.Source = SourceBuiltin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if existing, ok := r.entries[name]; ok {
		if existing.Meta.Source == meta.Source {
			logging.Debug("tool re-registered", "tool", name, "source", meta.Source)
			r.entries[name] = &Entry{Tool: tool, Meta: meta}
			return nil
		}
		return fmt.Errorf("tool name collision: %s already registered by %s", name, existing.Meta.Source)
	}

	r.entries[name] = &Entry{Tool: tool, Meta: meta}
	return nil
}

// MustRegister adds a tool and logs a warning on error.
func (r *Registry) MustRegister(tool Tool, meta Meta) {
	if err := r.Register(tool, meta); err != nil {
		logging.Warn("failed to register tool", "tool", tool.Name(), "error", err)
	}
}

// RegisterAlias maps an alternate name to an existing tool name.
// The target does not need to exist yet; the alias resolves lazily.
func (r *Registry) RegisterAlias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = target
}

// Unregister removes a tool by name. Returns true if it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// UnregisterSource removes all tools registered by the given source and
// returns how many were removed.
func (r *Registry) UnregisterSource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, entry := range r.entries {
		if entry.Meta.Source == source {
			delete(r.entries, name)
			removed++
		}
	}
	return removed
}

// Get retrieves a tool by name, resolving aliases.
func (r *Registry) Get(name string) (Tool, bool) {
	entry, ok := r.GetEntry(name)
	if !ok {
		return nil, false
	}
	return entry.Tool, true
}

// GetEntry retrieves a tool entry by name, resolving aliases.
func (r *Registry) GetEntry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[name]; ok {
		return entry, true
	}
	if target, ok := r.aliases[name]; ok {
		entry, ok := r.entries[target]
		return entry, ok
	}
	return nil, false
}

// List returns all registered entries sorted by tool name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Tool.Name() < entries[j].Tool.Name()
	})
	return entries
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByCategory returns entries in the given category sorted by name.
func (r *Registry) ListByCategory(cat Category) []*Entry {
	var result []*Entry
	for _, entry := range r.List() {
		if entry.Meta.Category == cat {
			result = append(result, entry)
		}
	}
	return result
}

// Search returns entries whose name or description contains the query,
// case-insensitively.
func (r *Registry) Search(query string) []*Entry {
	q := strings.ToLower(query)

	var result []*Entry
	for _, entry := range r.List() {
		if strings.Contains(strings.ToLower(entry.Tool.Name()), q) ||
			strings.Contains(strings.ToLower(entry.Tool.Description()), q) {
			result = append(result, entry)
		}
	}
	return result
}

// ToolsForCaller returns the non-deferred entries visible to a caller.
func (r *Registry) ToolsForCaller(caller CallerKind) []*Entry {
	if caller == "" {
		caller = CallerDirect
	}

	var result []*Entry
	for _, entry := range r.List() {
		if entry.Meta.Deferred {
			continue
		}
		if entry.AllowsCaller(caller) {
			result = append(result, entry)
		}
	}
	return result
}

// DeferredTools returns all entries registered as deferred.
func (r *Registry) DeferredTools() []*Entry {
	var result []*Entry
	for _, entry := range r.List() {
		if entry.Meta.Deferred {
			result = append(result, entry)
		}
	}
	return result
}

// AlwaysLoadedTools returns all non-deferred entries.
func (r *Registry) AlwaysLoadedTools() []*Entry {
	var result []*Entry
	for _, entry := range r.List() {
		if !entry.Meta.Deferred {
			result = append(result, entry)
		}
	}
	return result
}

// Declarations returns function declarations for all registered tools.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	entries := r.List()
	decls := make([]*genai.FunctionDeclaration, 0, len(entries))
	for _, entry := range entries {
		decls = append(decls, entry.Tool.Declaration())
	}
	return decls
}

// DeclarationsForCaller returns declarations for the tools a caller may use.
func (r *Registry) DeclarationsForCaller(caller CallerKind) []*genai.FunctionDeclaration {
	entries := r.ToolsForCaller(caller)
	decls := make([]*genai.FunctionDeclaration, 0, len(entries))
	for _, entry := range entries {
		decls = append(decls, entry.Tool.Declaration())
	}
	return decls
}

// GeminiTools returns the caller-visible tools in Gemini format.
func (r *Registry) GeminiTools(caller CallerKind) []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: r.DeclarationsForCaller(caller),
		},
	}
}

// DefaultRegistry creates a registry with all builtin tools rooted at
// workDir. Zero timeouts use each tool's default.
func DefaultRegistry(workDir string, bashTimeout, webFetchTimeout time.Duration) *Registry {
	r := NewRegistry()

	builtin := func(cat Category, risk RiskLevel, approval bool) Meta {
		return Meta{
			Source:           SourceBuiltin,
			Category:         cat,
			Risk:             risk,
			RequiresApproval: approval,
		}
	}

	r.MustRegister(NewReadTool(workDir), builtin(CategoryFile, RiskSafe, false))
	r.MustRegister(NewWriteTool(workDir), builtin(CategoryFile, RiskModerate, false))
	r.MustRegister(NewEditTool(workDir), builtin(CategoryFile, RiskModerate, false))
	r.MustRegister(NewListDirTool(workDir), builtin(CategoryFile, RiskSafe, false))
	r.MustRegister(NewGlobTool(workDir), builtin(CategorySearch, RiskSafe, false))
	r.MustRegister(NewGrepTool(workDir), builtin(CategorySearch, RiskSafe, false))
	r.MustRegister(NewBashTool(workDir, bashTimeout), builtin(CategoryShell, RiskDangerous, true))
	r.MustRegister(NewWebFetchTool(webFetchTimeout), builtin(CategoryWeb, RiskModerate, false))

	sshMeta := builtin(CategoryRemote, RiskDangerous, true)
	sshMeta.Deferred = true
	r.MustRegister(NewSSHTool(), sshMeta)

	r.RegisterAlias("ls", "list_dir")
	r.RegisterAlias("search", "grep")

	return r
}
