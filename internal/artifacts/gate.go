// Package artifacts serves generated document files from a fixed,
// ordered list of publish directories.
package artifacts

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	units "github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"

	"github.com/bhzitouni/intake/internal/fault"
)

// Gate authorizes and streams generated files. Lookup order across
// the candidate directories is fixed: the first directory containing
// the requested name wins.
type Gate struct {
	dirs []string

	mu    sync.RWMutex
	known map[string]string // file name -> directory
}

// NewGate creates a gate over the given ordered publish directories
// and takes an initial listing of their contents.
func NewGate(dirs []string) *Gate {
	g := &Gate{
		dirs:  dirs,
		known: map[string]string{},
	}
	g.refresh()
	return g
}

// Open validates fileName and returns the bytes of the first match
// across the candidate directories.
//
// The sanitation here is a mandatory security check: any
// parent-directory marker or directory separator is rejected before
// the name ever reaches the filesystem.
func (g *Gate) Open(fileName string) ([]byte, error) {
	if err := checkName(fileName); err != nil {
		return nil, err
	}

	if path, ok := g.cached(fileName); ok {
		if data, err := os.ReadFile(path); err == nil {
			log.Printf("Serving artifact %s (%s)", fileName, units.HumanSize(float64(len(data))))
			return data, nil
		}
		// Cache went stale between the listing and the read.
	}

	for _, dir := range g.dirs {
		path := filepath.Join(dir, fileName)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		g.remember(fileName, dir)
		log.Printf("Serving artifact %s (%s)", fileName, units.HumanSize(float64(len(data))))
		return data, nil
	}

	return nil, fault.New(fault.NotFound, "file not found")
}

// List returns the names of all currently known artifact files.
func (g *Gate) List() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.known))
	for name := range g.known {
		names = append(names, name)
	}
	return names
}

// Watch keeps the listing fresh by watching the publish directories
// for changes. It blocks until done is closed. The listing is an
// optimization only; Open always falls back to an ordered scan.
func (g *Gate) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watching := 0
	for _, dir := range g.dirs {
		if err := watcher.Add(dir); err != nil {
			log.Printf("WARNING: failed to watch artifact directory %s: %v", dir, err)
			continue
		}
		watching++
	}
	if watching == 0 {
		// Nothing to watch yet; generators may create the directories
		// later, at which point Open's scan still finds the files.
		<-done
		return nil
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				g.refresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARNING: artifact watcher error: %v", err)
		}
	}
}

func (g *Gate) refresh() {
	known := map[string]string{}
	// Walk the candidates in reverse so earlier directories win
	// conflicting names, matching Open's lookup order.
	for i := len(g.dirs) - 1; i >= 0; i-- {
		dir := g.dirs[i]
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			known[entry.Name()] = dir
		}
	}

	g.mu.Lock()
	g.known = known
	g.mu.Unlock()
}

func (g *Gate) cached(fileName string) (string, bool) {
	g.mu.RLock()
	dir, ok := g.known[fileName]
	g.mu.RUnlock()
	if !ok {
		return "", false
	}
	return filepath.Join(dir, fileName), true
}

func (g *Gate) remember(fileName, dir string) {
	g.mu.Lock()
	g.known[fileName] = dir
	g.mu.Unlock()
}

func checkName(fileName string) error {
	if fileName == "" {
		return fault.New(fault.InvalidInput, "file name is required")
	}
	if strings.Contains(fileName, "..") || strings.ContainsAny(fileName, `/\`) {
		return fault.New(fault.InvalidInput, "invalid file name")
	}
	return nil
}
