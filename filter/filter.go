// Package filter implements the blacklist gate guarding both protocol
// servers: a source-IP blacklist consulted at connection time and an
// email-address blacklist consulted for envelope senders and recipients.
//
// Each list is backed by a line-delimited text file (lines starting with
// '#' are comments) and cached in memory. Mutations rewrite the file and
// invalidate the cache for that list, so concurrent readers either see the
// old set or the new one, never a half-updated set.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FFasir/MailSystem/consts"
	"github.com/FFasir/MailSystem/helpers"
)

const (
	ipBlacklistFile    = "ip_blacklist.txt"
	emailBlacklistFile = "email_blacklist.txt"
)

// Gate is the blacklist lookup/mutation service.
type Gate struct {
	dir string

	mu       sync.RWMutex
	ipSet    map[string]struct{} // nil means not loaded
	emailSet map[string]struct{} // nil means not loaded
}

// New creates a Gate backed by blacklist files under dir. The directory is
// created on first mutation; missing files read as empty lists.
func New(dir string) *Gate {
	return &Gate{dir: dir}
}

// IsIPBlocked reports whether the given source address is blacklisted.
// Matching is exact.
func (g *Gate) IsIPBlocked(ip string) bool {
	set, err := g.ips()
	if err != nil {
		return false
	}
	_, blocked := set[ip]
	return blocked
}

// IsEmailBlocked reports whether the given address is blacklisted, either
// by exact match or by a domain-style entry such as "@spam.example".
// Matching is case-insensitive.
func (g *Gate) IsEmailBlocked(addr string) bool {
	set, err := g.emails()
	if err != nil {
		return false
	}

	lower := strings.ToLower(addr)
	if _, blocked := set[lower]; blocked {
		return true
	}
	for entry := range set {
		if strings.HasPrefix(entry, "@") && strings.HasSuffix(lower, entry) {
			return true
		}
	}
	return false
}

// AddIP adds a source address to the blacklist. It returns false when the
// address is already listed; an error is returned only for malformed
// input or file I/O failures.
func (g *Gate) AddIP(ip string) (bool, error) {
	if !helpers.IsValidIPv4(ip) {
		return false, fmt.Errorf("%w: %q", consts.ErrInvalidIPv4, ip)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	set, err := g.loadLocked(ipBlacklistFile, false)
	if err != nil {
		return false, err
	}
	if _, exists := set[ip]; exists {
		return false, nil
	}
	if err := g.appendLine(ipBlacklistFile, ip); err != nil {
		return false, err
	}
	g.ipSet = nil
	return true, nil
}

// RemoveIP removes a source address from the blacklist. It returns false
// when the address was not listed.
func (g *Gate) RemoveIP(ip string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed, err := g.removeLine(ipBlacklistFile, func(line string) bool {
		return line == ip
	})
	if err != nil {
		return false, err
	}
	if removed {
		g.ipSet = nil
	}
	return removed, nil
}

// AddEmail adds an address (or an "@domain" pattern) to the blacklist.
// Entries are stored lowercased. Returns false when already listed.
func (g *Gate) AddEmail(addr string) (bool, error) {
	lower := strings.ToLower(addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	set, err := g.loadLocked(emailBlacklistFile, true)
	if err != nil {
		return false, err
	}
	if _, exists := set[lower]; exists {
		return false, nil
	}
	if err := g.appendLine(emailBlacklistFile, lower); err != nil {
		return false, err
	}
	g.emailSet = nil
	return true, nil
}

// RemoveEmail removes an address from the blacklist. Returns false when
// the address was not listed.
func (g *Gate) RemoveEmail(addr string) (bool, error) {
	lower := strings.ToLower(addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed, err := g.removeLine(emailBlacklistFile, func(line string) bool {
		return strings.ToLower(line) == lower
	})
	if err != nil {
		return false, err
	}
	if removed {
		g.emailSet = nil
	}
	return removed, nil
}

// Reload drops both caches so the next lookup rereads the files.
func (g *Gate) Reload() {
	g.mu.Lock()
	g.ipSet = nil
	g.emailSet = nil
	g.mu.Unlock()
}

func (g *Gate) ips() (map[string]struct{}, error) {
	g.mu.RLock()
	set := g.ipSet
	g.mu.RUnlock()
	if set != nil {
		return set, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ipSet == nil {
		loaded, err := g.loadLocked(ipBlacklistFile, false)
		if err != nil {
			return nil, err
		}
		g.ipSet = loaded
	}
	return g.ipSet, nil
}

func (g *Gate) emails() (map[string]struct{}, error) {
	g.mu.RLock()
	set := g.emailSet
	g.mu.RUnlock()
	if set != nil {
		return set, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.emailSet == nil {
		loaded, err := g.loadLocked(emailBlacklistFile, true)
		if err != nil {
			return nil, err
		}
		g.emailSet = loaded
	}
	return g.emailSet, nil
}

// loadLocked reads a blacklist file into a set. Caller holds the write
// lock (or is otherwise exclusive).
func (g *Gate) loadLocked(name string, lowercase bool) (map[string]struct{}, error) {
	set := make(map[string]struct{})

	f, err := os.Open(filepath.Join(g.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if lowercase {
			line = strings.ToLower(line)
		}
		set[line] = struct{}{}
	}
	return set, scanner.Err()
}

func (g *Gate) appendLine(name, line string) error {
	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(g.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// removeLine rewrites the file without the lines matched by drop. Comments
// and unrelated lines are preserved as-is.
func (g *Gate) removeLine(name string, drop func(string) bool) (bool, error) {
	path := filepath.Join(g.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var kept []string
	removed := false
	for _, line := range strings.Split(string(data), "\n") {
		if drop(strings.TrimSpace(line)) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return false, nil
	}

	out := strings.Join(kept, "\n")
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		return false, err
	}
	return true, nil
}
