package wrshare

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DestinationPolicy decides which destinations sessions may dial. Destinations are matched as
// "host:port" strings (IPv6 hosts bracketed) against anchored regular expressions. A policy
// with no patterns at all allows every destination.
//
// Patterns come from two sources: a fixed list given at construction, and an optional file
// with one pattern per line that can be reloaded while the server runs.
type DestinationPolicy struct {
	Logger
	lock         sync.RWMutex
	fixed        []*regexp.Regexp
	filePatterns []*regexp.Regexp
}

// CompileDestinationPatterns compiles patterns, anchoring each one to the whole destination
func CompileDestinationPatterns(patterns []string) ([]*regexp.Regexp, error) {
	result := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		r, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("Invalid destination pattern '%s': %s", p, err)
		}
		result = append(result, r)
	}
	return result, nil
}

// NewDestinationPolicy creates a policy from a fixed list of patterns
func NewDestinationPolicy(logger Logger, patterns []string) (*DestinationPolicy, error) {
	fixed, err := CompileDestinationPatterns(patterns)
	if err != nil {
		return nil, err
	}
	return &DestinationPolicy{
		Logger: logger,
		fixed:  fixed,
	}, nil
}

// HasAccess returns true if addr matches one of the allowed patterns, or if there are none
func (p *DestinationPolicy) HasAccess(addr string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if len(p.fixed) == 0 && len(p.filePatterns) == 0 {
		return true
	}
	for _, r := range p.fixed {
		if r.MatchString(addr) {
			return true
		}
	}
	for _, r := range p.filePatterns {
		if r.MatchString(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns currently in effect
func (p *DestinationPolicy) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.fixed) + len(p.filePatterns)
}

// LoadFile replaces the file-sourced patterns with the contents of path. Blank lines and lines
// beginning with '#' are ignored. On error the previous patterns stay in effect.
func (p *DestinationPolicy) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return p.Errorf("Failed to read destination file %s: %s", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return p.Errorf("Failed to read destination file %s: %s", path, err)
	}
	patterns, err := CompileDestinationPatterns(lines)
	if err != nil {
		return p.Errorf("%s: %s", path, err)
	}

	p.lock.Lock()
	p.filePatterns = patterns
	p.lock.Unlock()
	p.DLogf("Loaded %d destination patterns from %s", len(patterns), path)
	return nil
}

// WatchFile loads path and then reloads it in the background whenever it changes, until ctx is
// done. The containing directory is watched so that editors that replace the file are handled.
func (p *DestinationPolicy) WatchFile(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if err := p.LoadFile(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return p.Errorf("Failed to create file watcher: %s", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return p.Errorf("Failed to watch %s: %s", path, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != path {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.LoadFile(path); err != nil {
					p.WLogf("Keeping previous destination patterns: %s", err)
				} else {
					p.ILogf("Reloaded destination patterns from %s", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.WLogf("File watcher error: %s", err)
			}
		}
	}()
	return nil
}
