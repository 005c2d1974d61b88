package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/subscriber/webhook"
	"go.uber.org/zap"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload applies a new config. Config-file routes and webhook subscribers
// are replaced; routes added through the control API are kept. Listener
// addresses and timeouts only change on restart.
func (s *Server) Reload(newCfg *config.Config) ReloadResult {
	s.mu.Lock()
	oldCfg := s.config
	s.mu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}

	if err := s.state.Routes.ReplaceOrigin(config.OriginConfig, newCfg.Routes); err != nil {
		result.Error = fmt.Sprintf("routes: %v", err)
		s.recordReload(result)
		return result
	}
	if err := s.setWebhooks(webhook.FromConfig(newCfg.Subscribers)); err != nil {
		result.Error = fmt.Sprintf("webhooks: %v", err)
		s.recordReload(result)
		return result
	}

	result.Success = true
	result.Changes = diffConfig(oldCfg, newCfg)

	s.mu.Lock()
	s.config = newCfg
	s.mu.Unlock()

	s.recordReload(result)
	logging.Info("Applied configuration", zap.Strings("changes", result.Changes))
	return result
}

// ReloadConfig loads a new config from the config path and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result := ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		}
		s.recordReload(result)
		return result
	}
	return s.Reload(newCfg)
}

// ReloadHistory returns past reload results, oldest first
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

func (s *Server) recordReload(result ReloadResult) {
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
}

// appendReloadHistory appends a result and keeps last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}

func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]bool, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[r.ID] = true
	}
	newRoutes := make(map[string]bool, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[r.ID] = true
	}

	for id := range newRoutes {
		if !oldRoutes[id] {
			changes = append(changes, fmt.Sprintf("route added: %s", id))
		} else {
			changes = append(changes, fmt.Sprintf("route reloaded: %s", id))
		}
	}
	for id := range oldRoutes {
		if !newRoutes[id] {
			changes = append(changes, fmt.Sprintf("route removed: %s", id))
		}
	}

	oldHooks := make(map[string]bool, len(oldCfg.Subscribers.Webhooks))
	for _, w := range oldCfg.Subscribers.Webhooks {
		oldHooks[w.ID] = true
	}
	for _, w := range newCfg.Subscribers.Webhooks {
		if !oldHooks[w.ID] {
			changes = append(changes, fmt.Sprintf("webhook added: %s", w.ID))
		}
		delete(oldHooks, w.ID)
	}
	for id := range oldHooks {
		changes = append(changes, fmt.Sprintf("webhook removed: %s", id))
	}

	if oldCfg.Proxy.Listen != newCfg.Proxy.Listen {
		changes = append(changes, "proxy listen changed (restart required)")
	}

	sort.Strings(changes)
	return changes
}
