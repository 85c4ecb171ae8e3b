package main

import (
	"context"
	"reflect"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/policy"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit"
)

// startConfigWatcher starts watching the configuration file. A watcher that
// cannot start is logged and the gateway keeps its startup configuration.
func startConfigWatcher(ctx context.Context, app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		if reloadErr := app.applyConfig(newCfg); reloadErr != nil {
			logger.Error("failed to apply reloaded configuration", observability.Error(reloadErr))
		}
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// applyConfig swaps the runtime-reloadable sections: policy rules, rate
// limits, revoked subjects and audit toggles. A section that fails to apply keeps its
// previous value; the others still apply.
func (a *application) applyConfig(newCfg *config.Config) error {
	var errs error

	rules, err := policy.FromConfig(newCfg.Rules)
	if err == nil {
		err = a.policy.Reload(rules)
	}
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		a.logger.Info("policy rules reloaded",
			observability.Int("rules", len(rules)),
			observability.Uint64("version", a.policy.Version()))
	}

	if err := a.limiter.UpdateConfig(ratelimit.FromConfig(newCfg.RateLimits)); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		a.logger.Info("rate limits reloaded")
	}

	a.auth.SetRevokedSubjects(newCfg.Auth.RevokedSubjects)

	if l, ok := a.audit.(*audit.AsyncLogger); ok && newCfg.Audit.Enabled {
		l.UpdateConfig(audit.FromConfig(newCfg.Audit))
	}

	if restartRequired(a.config, newCfg) {
		a.logger.Warn("listener, auth, session or upstream changes take effect after restart")
	}

	return errs
}

// restartRequired reports whether newCfg changes sections that are only read
// at startup.
func restartRequired(old, newCfg *config.Config) bool {
	oldAuth, newAuth := old.Auth, newCfg.Auth
	oldAuth.RevokedSubjects, newAuth.RevokedSubjects = nil, nil

	return !reflect.DeepEqual(old.Listener, newCfg.Listener) ||
		!reflect.DeepEqual(oldAuth, newAuth) ||
		!reflect.DeepEqual(old.Session, newCfg.Session) ||
		!reflect.DeepEqual(old.Upstreams, newCfg.Upstreams) ||
		!reflect.DeepEqual(old.Pool, newCfg.Pool) ||
		!reflect.DeepEqual(old.CircuitBreaker, newCfg.CircuitBreaker) ||
		!reflect.DeepEqual(old.Dispatch, newCfg.Dispatch) ||
		old.RateLimits.Backend != newCfg.RateLimits.Backend
}
