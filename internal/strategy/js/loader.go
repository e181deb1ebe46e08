// Package js loads JavaScript strategy modules and adapts them to the
// strategy callback interface.
package js

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/deepterminal/deepterminal/errs"
)

// Module holds the compiled program for one strategy script.
type Module struct {
	Name    string
	Path    string
	Hash    string
	Size    int64
	Program *goja.Program
}

// Loader manages JavaScript strategy modules sourced from a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// NewLoader constructs a loader rooted at the provided directory.
func NewLoader(root string) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errs.New("strategy/js", errs.CodeInvalid, errs.WithMessage("root directory required"))
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, errs.New("strategy/js", errs.CodeInvalid,
			errs.WithMessage("ensure directory "+clean), errs.WithCause(err))
	}
	return &Loader{root: clean, byName: make(map[string]*Module)}, nil
}

// Root returns the filesystem root used by the loader.
func (l *Loader) Root() string { return l.root }

// Refresh replaces the in-memory catalog with the scripts currently on disk.
func (l *Loader) Refresh() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return errs.New("strategy/js", errs.CodeExternal,
			errs.WithMessage("read directory "+l.root), errs.WithCause(err))
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".js") {
			continue
		}
		module, err := compileModule(filepath.Join(l.root, entry.Name()))
		if err != nil {
			return err
		}
		key := strings.ToLower(module.Name)
		if _, exists := next[key]; exists {
			return errs.New("strategy/js", errs.CodeInvalid,
				errs.WithMessage("duplicate strategy module: "+module.Name))
		}
		next[key] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// Lookup returns the module registered under name.
func (l *Loader) Lookup(name string) (*Module, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	return module, ok
}

// Names returns the loaded module names, sorted.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.byName))
	for name := range l.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadFile compiles a single script outside the loader root.
func LoadFile(path string) (*Module, error) {
	return compileModule(path)
}

func compileModule(path string) (*Module, error) {
	source, err := os.ReadFile(path) // #nosec G304 -- path comes from config or loader root listing.
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeExternal,
			errs.WithMessage("read "+path), errs.WithCause(err))
	}
	program, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, errs.New("strategy/js", errs.CodeInvalid,
			errs.WithMessage("compile "+path), errs.WithCause(err))
	}

	sum := sha256.Sum256(source)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return &Module{
		Name:    name,
		Path:    path,
		Hash:    hex.EncodeToString(sum[:]),
		Size:    int64(len(source)),
		Program: program,
	}, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}
