package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/deskagent/pkg/gateway"
	"github.com/harun/deskagent/pkg/privacy"
)

// HealthChecks returns the readiness checks served on /api/health.
func (d *Daemon) HealthChecks() []gateway.HealthCheck {
	return []gateway.HealthCheck{
		{Name: "llm", Critical: true, Run: d.checkLLM},
		{Name: "session_store", Critical: true, Run: d.checkSessions},
		{Name: "memory", Run: d.checkMemory},
		{Name: "privacy", Run: d.checkPrivacy},
		{Name: "web_search", Run: d.checkWebSearch},
	}
}

func (d *Daemon) checkLLM(ctx context.Context) gateway.CheckResult {
	if d.failover == nil {
		return gateway.CheckResult{Status: gateway.CheckOK, Message: "custom provider"}
	}

	profiles := d.failover.Profiles()
	if len(profiles) == 0 {
		return gateway.CheckResult{Status: gateway.CheckError, Message: "no model profiles configured"}
	}
	now := time.Now()
	available := 0
	for _, p := range profiles {
		if !p.CooldownUntil.After(now) {
			available++
		}
	}
	if available == 0 {
		return gateway.CheckResult{
			Status:  gateway.CheckWarning,
			Message: "all profiles cooling down",
			Details: profiles,
		}
	}
	return gateway.CheckResult{
		Status:  gateway.CheckOK,
		Message: fmt.Sprintf("%d of %d profile(s) available", available, len(profiles)),
		Details: profiles,
	}
}

func (d *Daemon) checkSessions(ctx context.Context) gateway.CheckResult {
	if d.sessions == nil {
		return gateway.CheckResult{Status: gateway.CheckError, Message: "session store closed"}
	}
	summaries, err := d.sessions.Sessions(ctx)
	if err != nil {
		return gateway.CheckResult{Status: gateway.CheckError, Message: err.Error()}
	}
	return gateway.CheckResult{
		Status:  gateway.CheckOK,
		Message: fmt.Sprintf("%d session(s)", len(summaries)),
	}
}

func (d *Daemon) checkMemory(ctx context.Context) gateway.CheckResult {
	if d.memory == nil {
		return gateway.CheckResult{Status: gateway.CheckWarning, Message: "memory disabled"}
	}
	status := d.memory.Status(ctx)
	msg := "keyword search only"
	if status.VectorSearch {
		msg = "vector and keyword search"
	}
	return gateway.CheckResult{Status: gateway.CheckOK, Message: msg, Details: status}
}

func (d *Daemon) checkPrivacy(ctx context.Context) gateway.CheckResult {
	engine := d.redactor.Engine(ctx)
	switch {
	case !d.loop.PrivacyEnabled():
		return gateway.CheckResult{Status: gateway.CheckWarning, Message: "privacy disabled"}
	case engine == privacy.EngineStatistical:
		return gateway.CheckResult{Status: gateway.CheckOK, Message: "statistical analyzer"}
	case d.config.Privacy.AnalyzerURL != "":
		return gateway.CheckResult{Status: gateway.CheckWarning, Message: "analyzer unreachable, using patterns"}
	default:
		return gateway.CheckResult{Status: gateway.CheckOK, Message: "pattern matching"}
	}
}

func (d *Daemon) checkWebSearch(ctx context.Context) gateway.CheckResult {
	if d.config.Linkup.APIKey == "" {
		return gateway.CheckResult{Status: gateway.CheckWarning, Message: "no search API key configured"}
	}
	return gateway.CheckResult{Status: gateway.CheckOK, Message: "configured"}
}
