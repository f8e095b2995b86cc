// Package agent talks to the language model and executes single plan steps.
//
// Invariants:
//   - Every model call goes through an LLMProvider; Client adds priority
//     failover, retry with backoff, and per-profile cooldown.
//   - Tool calls route through toolexecutor only.
//   - Write tools receive arguments with placeholders restored; the model
//     never sees the restored values.
//   - create_event and create_reminder never run unless the turn's raw user
//     message contained an explicit date or time (HasExplicitTime).
//   - A step ends after at most MaxRounds model calls.
//
// Usage:
//
//	client, _ := agent.NewClient(agent.ClientConfig{Profiles: cfg.EffectiveProfiles()})
//	exec, _ := agent.NewExecutor(agent.ExecutorConfig{LLM: client, Registry: registry})
//	res := exec.ExecuteStep(ctx, "List recent emails", nil, agent.Turn{})
//	_ = res.Text
package agent
