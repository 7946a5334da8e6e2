package policy

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats tracks the outcome of policy reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager serves the active crawl policy. It starts from the compiled-in
// defaults, overlays an optional external YAML file, and can watch that
// file for changes. Reads are lock-free through atomic.Value.
type Manager struct {
	defaults     *Policy
	current      atomic.Value // *Policy
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // protects reloads and stats
	stats        ReloadStats
	closed       bool
}

// NewManager creates a policy manager. With an empty externalPath only the
// defaults are served. With hotReload set, edits to the file swap the
// active policy without a restart.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		defaults:     Default(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.defaults)

	if externalPath != "" {
		if err := m.loadExternal(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to load external policy, using defaults")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Loaded external policy file")
		}

		if hotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", externalPath).
					Msg("Failed to start policy watcher, hot-reload disabled")
			} else {
				log.Info().
					Str("path", externalPath).
					Msg("Hot-reload enabled for policy file")
			}
		}
	}

	return m, nil
}

// Get returns the active policy. Lock-free, safe for concurrent use.
func (m *Manager) Get() *Policy {
	return m.current.Load().(*Policy)
}

// Reload re-reads the external policy file. On failure the previous policy
// stays active.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external policy path configured")
	}
	return m.loadExternalLocked()
}

// Stats returns reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked requires m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	override, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	merged := m.mergeWithDefaults(override)
	m.current.Store(merged)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Policy hot-reloaded successfully")

	return nil
}

func parseAndValidate(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if p.MaskPattern != "" {
		if _, err := regexp.Compile(p.MaskPattern); err != nil {
			return nil, fmt.Errorf("invalid mask_pattern: %w", err)
		}
	}
	return &p, nil
}

// mergeWithDefaults overlays non-empty override sections on the defaults.
func (m *Manager) mergeWithDefaults(override *Policy) *Policy {
	merged := &Policy{}

	pick := func(ext, def []string) []string {
		if len(ext) > 0 {
			return ext
		}
		return def
	}

	merged.PathBlacklist = pick(override.PathBlacklist, m.defaults.PathBlacklist)
	merged.DestructivePaths = pick(override.DestructivePaths, m.defaults.DestructivePaths)
	merged.ExtensionBlacklist = pick(override.ExtensionBlacklist, m.defaults.ExtensionBlacklist)
	merged.AllowedContentTypes = pick(override.AllowedContentTypes, m.defaults.AllowedContentTypes)
	merged.ParamsToRemove = pick(override.ParamsToRemove, m.defaults.ParamsToRemove)

	if override.MaskPattern != "" {
		merged.MaskPattern = override.MaskPattern
	} else {
		merged.MaskPattern = m.defaults.MaskPattern
	}
	// Validated in parseAndValidate, cannot fail here.
	_ = merged.Validate()

	return merged
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

func (m *Manager) watchFile() {
	defer m.wg.Done()

	// Editors often emit several write events for one save; coalesce them.
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Policy file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", m.externalPath).
							Msg("Policy hot-reload failed, keeping previous policy")
					}
					debouncing = false
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Policy watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
