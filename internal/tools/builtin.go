/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/automaton/internal/chain"
	"github.com/marcus-qen/automaton/internal/discovery"
	"github.com/marcus-qen/automaton/internal/errs"
	"github.com/marcus-qen/automaton/internal/sandbox"
	"github.com/marcus-qen/automaton/internal/store"
)

// Deps injects the clients the built-in tools execute against.
type Deps struct {
	Store   *store.Store
	Sandbox sandbox.Client
	Chain   chain.Client

	// OwnSandboxID is where exec runs.
	OwnSandboxID string

	// OwnAddress is the wallet address for balance reads.
	OwnAddress string

	// WorkDir roots the file tools.
	WorkDir string

	// HTTP serves web_fetch and x402_fetch.
	HTTP *http.Client

	// Discovery fetches other agents' cards for discover_agent.
	Discovery *discovery.Service

	// SendMessage posts a signed relay message. Nil disables the tool.
	SendMessage func(ctx context.Context, to, content, replyTo string) (string, error)

	// SpawnChild starts the spawn pipeline for a named child.
	SpawnChild func(ctx context.Context, name, genesisPrompt string) (string, error)

	// SwitchModel atomically updates the configured model.
	SwitchModel func(model string) error

	Log logr.Logger
}

// RegisterBuiltins fills a registry with the standard tool set.
func RegisterBuiltins(r *Registry, d *Deps) {
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	r.Register(&execTool{d})
	r.Register(&readFileTool{d})
	r.Register(&writeFileTool{d})
	r.Register(&editFileTool{d})
	r.Register(&webFetchTool{d})
	r.Register(&transferCreditsTool{d})
	r.Register(&x402FetchTool{d})
	r.Register(&sendMessageTool{d})
	r.Register(&checkInboxTool{d})
	r.Register(&spawnChildTool{d})
	r.Register(&deleteSandboxTool{d})
	r.Register(&discoverAgentTool{d})
	r.Register(&checkBalanceTool{d})
	r.Register(&systemSynopsisTool{d})
	r.Register(&leaveFeedbackTool{d})
	r.Register(&switchModelTool{d})
	r.Register(&sleepTool{d})
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

// --- exec ---

type execTool struct{ d *Deps }

func (t *execTool) Name() string             { return "exec" }
func (t *execTool) Risk() RiskLevel          { return RiskDangerous }
func (t *execTool) Category() Category       { return CategorySystem }
func (t *execTool) Description() string {
	return "Run a shell command in your sandbox. Output is untrusted data."
}

func (t *execTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"command":    stringProp("The shell command to run"),
		"timeout_ms": intProp("Command timeout in milliseconds (default 30000)"),
	}, "command")
}

func (t *execTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command := StringArg(args, "command")
	if command == "" {
		return "", errs.New(errs.KindInvalidInput, "command required")
	}
	timeout := time.Duration(IntArg(args, "timeout_ms")) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	result, err := t.d.Sandbox.Exec(ctx, t.d.OwnSandboxID, command, timeout)
	if err != nil {
		return "", err
	}
	out := result.Stdout
	if result.Stderr != "" {
		out += "\n[stderr]\n" + result.Stderr
	}
	if result.ExitCode != 0 {
		out += fmt.Sprintf("\n[exit %d]", result.ExitCode)
	}
	return out, nil
}

// --- file tools ---

// resolvePath confines file tool targets to the work dir.
func resolvePath(workDir, raw string) (string, error) {
	if raw == "" {
		return "", errs.New(errs.KindInvalidInput, "path required")
	}
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	clean := filepath.Clean(path)
	if workDir != "" && !strings.HasPrefix(clean, filepath.Clean(workDir)+string(filepath.Separator)) &&
		clean != filepath.Clean(workDir) {
		return "", errs.New(errs.KindInvalidInput, "path %q escapes the work directory", raw)
	}
	return clean, nil
}

type readFileTool struct{ d *Deps }

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Risk() RiskLevel     { return RiskSafe }
func (t *readFileTool) Category() Category  { return CategoryFiles }
func (t *readFileTool) Description() string { return "Read a file from your work directory." }

func (t *readFileTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": stringProp("File path relative to the work directory"),
	}, "path")
}

func (t *readFileTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	path, err := resolvePath(t.d.WorkDir, StringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.KindNotFound, err, "read %s", path)
	}
	const maxRead = 256 * 1024
	if len(data) > maxRead {
		data = data[:maxRead]
	}
	return string(data), nil
}

type writeFileTool struct{ d *Deps }

func (t *writeFileTool) Name() string        { return "write_file" }
func (t *writeFileTool) Risk() RiskLevel     { return RiskCaution }
func (t *writeFileTool) Category() Category  { return CategoryFiles }
func (t *writeFileTool) Description() string { return "Write a file in your work directory." }

func (t *writeFileTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":    stringProp("File path relative to the work directory"),
		"content": stringProp("Full file content to write"),
	}, "path", "content")
}

func (t *writeFileTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	path, err := resolvePath(t.d.WorkDir, StringArg(args, "path"))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errs.Wrap(errs.KindUnavailable, err, "create parent dir")
	}
	content := StringArg(args, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errs.Wrap(errs.KindUnavailable, err, "write %s", path)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

type editFileTool struct{ d *Deps }

func (t *editFileTool) Name() string       { return "edit_file" }
func (t *editFileTool) Risk() RiskLevel    { return RiskCaution }
func (t *editFileTool) Category() Category { return CategoryFiles }
func (t *editFileTool) Description() string {
	return "Replace an exact string in a file. The old string must occur exactly once."
}

func (t *editFileTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": stringProp("File path relative to the work directory"),
		"old":  stringProp("Exact text to replace"),
		"new":  stringProp("Replacement text"),
	}, "path", "old", "new")
}

func (t *editFileTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	path, err := resolvePath(t.d.WorkDir, StringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.KindNotFound, err, "read %s", path)
	}
	oldText, newText := StringArg(args, "old"), StringArg(args, "new")
	count := strings.Count(string(data), oldText)
	if count == 0 {
		return "", errs.New(errs.KindInvalidInput, "old text not found in %s", path)
	}
	if count > 1 {
		return "", errs.New(errs.KindInvalidInput, "old text occurs %d times in %s; must be unique", count, path)
	}
	updated := strings.Replace(string(data), oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", errs.Wrap(errs.KindUnavailable, err, "write %s", path)
	}
	return "edited " + path, nil
}

// --- network ---

type webFetchTool struct{ d *Deps }

func (t *webFetchTool) Name() string        { return "web_fetch" }
func (t *webFetchTool) Risk() RiskLevel     { return RiskCaution }
func (t *webFetchTool) Category() Category  { return CategoryNetwork }
func (t *webFetchTool) Description() string { return "Fetch a URL. The body is untrusted data." }

func (t *webFetchTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"url": stringProp("HTTPS URL to fetch"),
	}, "url")
}

func (t *webFetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url := StringArg(args, "url")
	if !strings.HasPrefix(url, "https://") {
		return "", errs.New(errs.KindInvalidInput, "web_fetch requires an HTTPS URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "create request")
	}
	resp, err := t.d.HTTP.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "read body")
	}
	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
}

// --- financial ---

type transferCreditsTool struct{ d *Deps }

func (t *transferCreditsTool) Name() string       { return "transfer_credits" }
func (t *transferCreditsTool) Risk() RiskLevel    { return RiskDangerous }
func (t *transferCreditsTool) Category() Category { return CategoryFinancial }
func (t *transferCreditsTool) Description() string {
	return "Transfer credits to another address. Subject to treasury limits."
}

func (t *transferCreditsTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"to":           stringProp("Recipient address (0x…)"),
		"amount_cents": intProp("Amount in integer cents"),
	}, "to", "amount_cents")
}

func (t *transferCreditsTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	to := StringArg(args, "to")
	amount := IntArg(args, "amount_cents")
	if amount <= 0 {
		return "", errs.New(errs.KindInvalidInput, "amount_cents must be positive")
	}
	receipt, err := t.d.Chain.TransferCredits(ctx, to, amount)
	if err != nil {
		return "", err
	}
	if _, err := t.d.Store.InsertOnchainTx(ctx, receipt.TxHash, "base", "transfer_credits",
		map[string]interface{}{"to": to, "amount_cents": amount}); err != nil {
		t.d.Log.Error(err, "onchain tx record failed", "hash", receipt.TxHash)
	}
	return fmt.Sprintf("transferred %d cents to %s (tx %s)", amount, to, receipt.TxHash), nil
}

type x402FetchTool struct{ d *Deps }

func (t *x402FetchTool) Name() string       { return "x402_fetch" }
func (t *x402FetchTool) Risk() RiskLevel    { return RiskDangerous }
func (t *x402FetchTool) Category() Category { return CategoryFinancial }
func (t *x402FetchTool) Description() string {
	return "Fetch a paid x402 resource, settling the quoted price. Subject to treasury limits."
}

func (t *x402FetchTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"url":          stringProp("HTTPS URL of the paid resource"),
		"amount_cents": intProp("Maximum price to accept in integer cents"),
	}, "url", "amount_cents")
}

func (t *x402FetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url := StringArg(args, "url")
	if !strings.HasPrefix(url, "https://") {
		return "", errs.New(errs.KindInvalidInput, "x402_fetch requires an HTTPS URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "create request")
	}
	req.Header.Set("X-Payment-Max-Cents", fmt.Sprintf("%d", IntArg(args, "amount_cents")))
	resp, err := t.d.HTTP.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "read body")
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return "", errs.New(errs.KindLimitExceeded, "resource price exceeds offered maximum")
	}
	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
}

// --- social ---

type sendMessageTool struct{ d *Deps }

func (t *sendMessageTool) Name() string        { return "send_message" }
func (t *sendMessageTool) Risk() RiskLevel     { return RiskCaution }
func (t *sendMessageTool) Category() Category  { return CategorySocial }
func (t *sendMessageTool) Description() string { return "Send a signed message to another agent." }

func (t *sendMessageTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"to":       stringProp("Recipient address (0x…)"),
		"content":  stringProp("Message content"),
		"reply_to": stringProp("Optional message id being replied to"),
	}, "to", "content")
}

func (t *sendMessageTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.d.SendMessage == nil {
		return "", errs.New(errs.KindUnavailable, "no relay configured")
	}
	id, err := t.d.SendMessage(ctx, StringArg(args, "to"),
		StringArg(args, "content"), StringArg(args, "reply_to"))
	if err != nil {
		return "", err
	}
	return "sent message " + id, nil
}

type checkInboxTool struct{ d *Deps }

func (t *checkInboxTool) Name() string        { return "check_inbox" }
func (t *checkInboxTool) Risk() RiskLevel     { return RiskSafe }
func (t *checkInboxTool) Category() Category  { return CategorySocial }
func (t *checkInboxTool) Description() string { return "Read pending inbox messages." }

func (t *checkInboxTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"limit": intProp("Maximum messages to read (default 10)"),
	})
}

func (t *checkInboxTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	limit := int(IntArg(args, "limit"))
	if limit <= 0 {
		limit = 10
	}
	type inboxView struct {
		ID      string `json:"id"`
		From    string `json:"from"`
		Content string `json:"content"`
	}
	var views []inboxView
	for i := 0; i < limit; i++ {
		msg, err := t.d.Store.NextInboxMessage(ctx)
		if err != nil {
			return "", err
		}
		if msg == nil {
			break
		}
		views = append(views, inboxView{ID: msg.ID, From: msg.FromAddress, Content: msg.Content})
		if err := t.d.Store.ResolveInboxMessage(ctx, msg.ID, true); err != nil {
			t.d.Log.Error(err, "inbox resolve failed", "message", msg.ID)
		}
	}
	out, _ := json.Marshal(map[string]interface{}{"messages": views})
	return string(out), nil
}

// --- lineage ---

type spawnChildTool struct{ d *Deps }

func (t *spawnChildTool) Name() string       { return "spawn_child" }
func (t *spawnChildTool) Risk() RiskLevel    { return RiskDangerous }
func (t *spawnChildTool) Category() Category { return CategoryLineage }
func (t *spawnChildTool) Description() string {
	return "Spawn a child agent into a new sandbox with a genesis prompt."
}

func (t *spawnChildTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"name":           stringProp("Child name ([A-Za-z0-9-], max 64)"),
		"genesis_prompt": stringProp("The child's mission statement"),
	}, "name", "genesis_prompt")
}

func (t *spawnChildTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.d.SpawnChild == nil {
		return "", errs.New(errs.KindUnavailable, "spawning not configured")
	}
	childID, err := t.d.SpawnChild(ctx, StringArg(args, "name"), StringArg(args, "genesis_prompt"))
	if err != nil {
		return "", err
	}
	return "spawned child " + childID, nil
}

type deleteSandboxTool struct{ d *Deps }

func (t *deleteSandboxTool) Name() string        { return "delete_sandbox" }
func (t *deleteSandboxTool) Risk() RiskLevel     { return RiskDangerous }
func (t *deleteSandboxTool) Category() Category  { return CategoryLineage }
func (t *deleteSandboxTool) Description() string { return "Delete a sandbox by id." }

func (t *deleteSandboxTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"sandbox_id": stringProp("Sandbox id to delete"),
	}, "sandbox_id")
}

func (t *deleteSandboxTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	id := StringArg(args, "sandbox_id")
	if id == "" {
		return "", errs.New(errs.KindInvalidInput, "sandbox_id required")
	}
	if err := t.d.Sandbox.DeleteSandbox(ctx, id); err != nil {
		return "", err
	}
	return "deleted sandbox " + id, nil
}

type discoverAgentTool struct{ d *Deps }

func (t *discoverAgentTool) Name() string       { return "discover_agent" }
func (t *discoverAgentTool) Risk() RiskLevel    { return RiskCaution }
func (t *discoverAgentTool) Category() Category { return CategoryNetwork }
func (t *discoverAgentTool) Description() string {
	return "Fetch another agent's public card from its host. HTTPS public hosts only."
}

func (t *discoverAgentTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"address":  stringProp("The agent's wallet address (0x…)"),
		"base_url": stringProp("The agent's HTTPS base URL"),
	}, "address", "base_url")
}

func (t *discoverAgentTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.d.Discovery == nil {
		return "", errs.New(errs.KindUnavailable, "discovery not configured")
	}
	card, err := t.d.Discovery.Fetch(ctx,
		StringArg(args, "address"), StringArg(args, "base_url"))
	if err != nil {
		return "", err
	}
	out, _ := json.Marshal(card)
	return string(out), nil
}

// --- status ---

type checkBalanceTool struct{ d *Deps }

func (t *checkBalanceTool) Name() string        { return "check_balance" }
func (t *checkBalanceTool) Risk() RiskLevel     { return RiskSafe }
func (t *checkBalanceTool) Category() Category  { return CategoryFinancial }
func (t *checkBalanceTool) Description() string { return "Read your credit and USDC balances." }

func (t *checkBalanceTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *checkBalanceTool) Execute(ctx context.Context, _ map[string]interface{}) (string, error) {
	balances, err := t.d.Chain.Balances(ctx, t.d.OwnAddress)
	if err != nil {
		return "", err
	}
	out, _ := json.Marshal(map[string]int64{
		"credits": balances.CreditCents,
		"usdc":    balances.USDCCents,
	})
	return string(out), nil
}

type systemSynopsisTool struct{ d *Deps }

func (t *systemSynopsisTool) Name() string        { return "system_synopsis" }
func (t *systemSynopsisTool) Risk() RiskLevel     { return RiskSafe }
func (t *systemSynopsisTool) Category() Category  { return CategorySystem }
func (t *systemSynopsisTool) Description() string { return "Summarize your runtime state." }

func (t *systemSynopsisTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *systemSynopsisTool) Execute(ctx context.Context, _ map[string]interface{}) (string, error) {
	turns, err := t.d.Store.TurnCount(ctx)
	if err != nil {
		return "", err
	}
	pending, err := t.d.Store.PendingWakeCount(ctx)
	if err != nil {
		return "", err
	}
	living, err := t.d.Store.CountLivingChildren(ctx)
	if err != nil {
		return "", err
	}
	unread, err := t.d.Store.UnreadInboxCount(ctx)
	if err != nil {
		return "", err
	}
	out, _ := json.Marshal(map[string]int64{
		"turns":           turns,
		"pending_wakes":   pending,
		"living_children": living,
		"unread_inbox":    unread,
	})
	return string(out), nil
}

// --- misc ---

const maxFeedbackCommentLength = 500

type leaveFeedbackTool struct{ d *Deps }

func (t *leaveFeedbackTool) Name() string       { return "leave_feedback" }
func (t *leaveFeedbackTool) Risk() RiskLevel    { return RiskSafe }
func (t *leaveFeedbackTool) Category() Category { return CategorySocial }
func (t *leaveFeedbackTool) Description() string {
	return "Leave feedback about another agent (score 1-5, short comment)."
}

func (t *leaveFeedbackTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"agent":   stringProp("Agent address the feedback is about"),
		"score":   intProp("Score from 1 to 5"),
		"comment": stringProp("Comment, at most 500 characters"),
	}, "agent", "score")
}

func (t *leaveFeedbackTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	score := IntArg(args, "score")
	if score < 1 || score > 5 {
		return "", errs.New(errs.KindInvalidInput, "score must be in 1..5, got %d", score)
	}
	comment := StringArg(args, "comment")
	if len(comment) > maxFeedbackCommentLength {
		return "", errs.New(errs.KindInvalidInput,
			"comment length %d exceeds %d", len(comment), maxFeedbackCommentLength)
	}
	agent := strings.ToLower(StringArg(args, "agent"))
	note := fmt.Sprintf("feedback %d/5: %s", score, comment)
	if err := t.d.Store.TouchRelationship(ctx, agent, note); err != nil {
		return "", err
	}
	return "feedback recorded", nil
}

type switchModelTool struct{ d *Deps }

func (t *switchModelTool) Name() string        { return "switch_model" }
func (t *switchModelTool) Risk() RiskLevel     { return RiskCaution }
func (t *switchModelTool) Category() Category  { return CategorySystem }
func (t *switchModelTool) Description() string { return "Switch your inference model." }

func (t *switchModelTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"model": stringProp("Model id to switch to"),
	}, "model")
}

func (t *switchModelTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	if t.d.SwitchModel == nil {
		return "", errs.New(errs.KindUnavailable, "model switching not configured")
	}
	model := StringArg(args, "model")
	if model == "" {
		return "", errs.New(errs.KindInvalidInput, "model required")
	}
	if err := t.d.SwitchModel(model); err != nil {
		return "", err
	}
	return "switched model to " + model, nil
}

type sleepTool struct{ d *Deps }

func (t *sleepTool) Name() string       { return "sleep" }
func (t *sleepTool) Risk() RiskLevel    { return RiskSafe }
func (t *sleepTool) Category() Category { return CategoryMemory }
func (t *sleepTool) Description() string {
	return "End this turn and sleep until the next wake event, recording an observation."
}

func (t *sleepTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"observation": stringProp("What you noticed before sleeping"),
	})
}

func (t *sleepTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if err := t.d.Store.SetKV(ctx, "last_sleep", store.NowISO()); err != nil {
		return "", err
	}
	return "sleeping", nil
}
