// Package gate is the admission pipeline in front of the backend: it
// authenticates the resolved key, walks the policy chain (ACL, rate limit,
// quota, credits, spending limit), charges exactly once per allowed call,
// forwards, and refunds on backend failure when configured to.
package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/keystore"
	"github.com/mbd888/paygate/internal/mcp"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/proxy"
	"github.com/mbd888/paygate/internal/ratelimit"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/usage"
	"github.com/mbd888/paygate/internal/webhooks"
)

// Deny reasons. Quota reasons come from the quota package.
const (
	ReasonInvalidKey    = "invalid_api_key"
	ReasonKeyExpired    = "api_key_expired"
	ReasonKeySuspended  = "key_suspended"
	ReasonIPNotAllowed  = "ip_not_allowed"
	ReasonToolNotAllowed = "tool_not_allowed"
	ReasonRateLimited   = "rate_limited"
	ReasonSpendingLimit = "spending_limit_exceeded"
	ReasonNoCredits     = "insufficient_credits"
	ReasonBackendError  = "backend_error"
)

// TeamChecker lets an external budget system veto and account calls.
type TeamChecker interface {
	Check(apiKey string, credits int64) (allowed bool, reason string)
	Record(apiKey string, credits int64)
}

// GroupPolicy supplies group-level ACL constraints for a record.
type GroupPolicy interface {
	AllowedTools(rec *keystore.Record) []string
	DeniedTools(rec *keystore.Record) []string
}

// PluginManager hooks the pipeline before and after the backend call.
// BeforeToolCall may rewrite arguments or short-circuit with a response.
type PluginManager interface {
	BeforeToolCall(ctx context.Context, apiKey, tool string, args json.RawMessage) (json.RawMessage, *mcp.Response, error)
	AfterToolCall(ctx context.Context, apiKey, tool string, resp *mcp.Response) *mcp.Response
	TransformPrice(tool string, price int64) int64
}

// CreditSyncer is the distributed deduction path. When healthy, its verdict
// replaces the local one.
type CreditSyncer interface {
	Healthy() bool
	TryDeduct(ctx context.Context, key string, amount int64) (ok bool, usedRedis bool)
}

// Auth is the resolved caller identity for one request.
type Auth struct {
	APIKey      string
	ClientIP    string
	TokenScoped bool     // true when a scoped token narrowed the ACL
	TokenTools  []string // valid only when TokenScoped
}

// Result is the pipeline outcome plus the header material the front door
// exposes. CreditsRemaining is -1 when no key was involved.
type Result struct {
	Response         *mcp.Response
	RateLimit        int // bucket size behind Rate, 0 when not rate limited
	Rate             *ratelimit.Result
	CreditsRemaining int64
}

// Gate evaluates admission and forwards allowed calls.
type Gate struct {
	keys    *keystore.Store
	limiter *ratelimit.Limiter
	backend proxy.Backend
	usage   *usage.Log
	emitter *webhooks.Emitter
	logger  *slog.Logger

	teams   TeamChecker
	groups  GroupPolicy
	plugins PluginManager
	syncer  CreditSyncer

	defaultPrice    int64
	perKBRate       int64
	toolPrices      map[string]int64
	globalRateLimit int
	toolRateLimits  map[string]int
	refundOnFailure bool
	shadowMode      bool
	freeMethods     map[string]struct{}

	// Hooks observe outcomes; all optional.
	OnDeny   func(apiKey, tool, reason string)
	OnCharge func(apiKey, tool string, credits int64)
	OnRefund func(apiKey, tool string, credits int64)

	now func() time.Time // test hook
}

// Option configures a Gate.
type Option func(*Gate)

func WithTeamChecker(t TeamChecker) Option  { return func(g *Gate) { g.teams = t } }
func WithGroupPolicy(p GroupPolicy) Option  { return func(g *Gate) { g.groups = p } }
func WithPlugins(p PluginManager) Option    { return func(g *Gate) { g.plugins = p } }
func WithCreditSyncer(s CreditSyncer) Option { return func(g *Gate) { g.syncer = s } }
func WithEmitter(e *webhooks.Emitter) Option { return func(g *Gate) { g.emitter = e } }

// New builds a gate from the runtime config.
func New(cfg *config.Config, keys *keystore.Store, limiter *ratelimit.Limiter,
	backend proxy.Backend, usageLog *usage.Log, logger *slog.Logger, opts ...Option) *Gate {

	free := make(map[string]struct{}, len(cfg.FreeMethods))
	for _, m := range cfg.FreeMethods {
		free[m] = struct{}{}
	}

	g := &Gate{
		keys:            keys,
		limiter:         limiter,
		backend:         backend,
		usage:           usageLog,
		logger:          logger,
		defaultPrice:    cfg.DefaultPrice,
		perKBRate:       cfg.PerKBRate,
		toolPrices:      cfg.ToolPrices,
		globalRateLimit: cfg.GlobalRateLimitPerMin,
		toolRateLimits:  cfg.ToolRateLimits,
		refundOnFailure: cfg.RefundOnFailure,
		shadowMode:      cfg.ShadowMode,
		freeMethods:     free,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle runs the full pipeline for one request. The response is nil for
// notifications.
func (g *Gate) Handle(ctx context.Context, req *mcp.Request, auth Auth) *Result {
	res := &Result{CreditsRemaining: -1}

	// Anything that is not a tool call is forwarded without metering:
	// initialize, ping, tools/list, and whatever the operator marked free.
	if req.Method != mcp.MethodToolsCall && req.Method != mcp.MethodToolsCallBatch {
		res.Response = g.forwardUnmetered(ctx, req)
		return res
	}

	if req.Method == mcp.MethodToolsCallBatch {
		return g.handleBatch(ctx, req, auth)
	}

	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		res.Response = mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid tools/call params", nil)
		return res
	}

	rec, denyResp := g.admitKey(req, auth)
	if denyResp != nil {
		res.Response = denyResp
		return res
	}
	res.CreditsRemaining = rec.Credits

	g.callOne(ctx, req, req.ID, &params, rec, auth, res)
	return res
}

// admitKey runs the key-level checks shared by single and batch calls:
// resolution, expiry, suspension, source IP.
func (g *Gate) admitKey(req *mcp.Request, auth Auth) (*keystore.Record, *mcp.Response) {
	rec := g.keys.GetRaw(auth.APIKey)
	if auth.APIKey == "" || rec == nil || !rec.Active {
		return nil, g.deny(req.ID, auth.APIKey, "", mcp.CodePolicyDenied, ReasonInvalidKey, nil)
	}
	if rec.ExpiresAt != nil && !g.now().Before(*rec.ExpiresAt) {
		return nil, g.deny(req.ID, auth.APIKey, "", mcp.CodePolicyDenied, ReasonKeyExpired, nil)
	}
	if rec.Suspended {
		return nil, g.deny(req.ID, auth.APIKey, "", mcp.CodePolicyDenied, ReasonKeySuspended, nil)
	}
	if !ipAllowed(auth.ClientIP, rec.IPAllowlist) {
		return nil, g.deny(req.ID, auth.APIKey, "", mcp.CodePolicyDenied, ReasonIPNotAllowed, nil)
	}
	return rec, nil
}

// callOne runs the per-tool half of the pipeline, writes the outcome into
// res, and returns the credits that ended up charged. rec is the record as
// seen at admission; balances are re-read at the deduction point, which is
// the serialization point.
func (g *Gate) callOne(ctx context.Context, req *mcp.Request, id json.RawMessage,
	params *mcp.CallToolParams, rec *keystore.Record, auth Auth, res *Result) int64 {

	start := g.now()
	tool := params.Name
	shadowReason := ""

	ctx, span := traces.StartSpan(ctx, "gate.tool_call",
		traces.Tool(tool), traces.APIKeySuffix(rec.Key))
	defer span.End()

	fail := func(resp *mcp.Response, reason string) {
		span.SetAttributes(traces.DenyReason(reason))
		if g.shadowMode {
			if shadowReason == "" {
				shadowReason = reason
			}
			return
		}
		res.Response = resp
		g.recordUsage(rec, tool, 0, false, reason, start)
	}

	// Tool ACL.
	if !toolAllowed(tool, rec, auth.TokenScoped, auth.TokenTools, g.groups) {
		fail(g.deny(id, rec.Key, tool, mcp.CodePolicyDenied, ReasonToolNotAllowed, nil), ReasonToolNotAllowed)
		if res.Response != nil {
			return 0
		}
	}

	// Plugins may rewrite arguments or answer directly.
	if g.plugins != nil {
		newArgs, short, err := g.plugins.BeforeToolCall(ctx, rec.Key, tool, params.Arguments)
		if err != nil {
			g.logger.Warn("plugin beforeToolCall failed", "tool", tool, "error", err)
		} else {
			if short != nil && !g.shadowMode {
				res.Response = short
				return 0
			}
			if newArgs != nil {
				params.Arguments = newArgs
			}
		}
	}

	// Rate limits: global bucket first, then the per-tool bucket. Headers
	// reflect the more specific bucket when both are configured.
	if g.globalRateLimit > 0 {
		r := g.limiter.Check(rec.Key, g.globalRateLimit)
		res.Rate, res.RateLimit = &r, g.globalRateLimit
		if !r.Allowed {
			metrics.RateLimitHit(tool)
			fail(g.deny(id, rec.Key, tool, mcp.CodeRateLimited, ReasonRateLimited, map[string]any{
				"retryAfterMs": r.ResetInMs,
			}), ReasonRateLimited)
			if res.Response != nil {
				return 0
			}
		}
	}
	if limit, ok := g.toolRateLimits[tool]; ok && limit > 0 {
		r := g.limiter.Check(rec.Key+":tool:"+tool, limit)
		res.Rate, res.RateLimit = &r, limit
		if !r.Allowed {
			metrics.RateLimitHit(tool)
			fail(g.deny(id, rec.Key, tool, mcp.CodeRateLimited, ReasonRateLimited, map[string]any{
				"retryAfterMs": r.ResetInMs,
			}), ReasonRateLimited)
			if res.Response != nil {
				return 0
			}
		}
	}

	creditsRequired := g.price(tool, params.Arguments)

	// External team/group budget.
	if g.teams != nil {
		if allowed, reason := g.teams.Check(rec.Key, creditsRequired); !allowed {
			if reason == "" {
				reason = "team_budget_exhausted"
			}
			fail(g.deny(id, rec.Key, tool, mcp.CodePolicyDenied, reason, nil), reason)
			if res.Response != nil {
				return 0
			}
		}
	}

	// Quota.
	if ok, reason := g.keys.CheckQuota(rec.Key, creditsRequired); !ok {
		fail(g.deny(id, rec.Key, tool, mcp.CodeQuotaExceeded, reason, nil), reason)
		if res.Response != nil {
			return 0
		}
	}

	// Spending limit.
	if rec.SpendingLimit > 0 && rec.TotalSpent+creditsRequired > rec.SpendingLimit {
		fail(g.deny(id, rec.Key, tool, mcp.CodePolicyDenied, ReasonSpendingLimit, nil), ReasonSpendingLimit)
		if res.Response != nil {
			return 0
		}
	}

	charged := int64(0)
	if !g.shadowMode {
		// Deduction, the serialization point. Top up first if the balance
		// would drop below the configured threshold.
		if rec.AutoTopup != nil && rec.Credits-creditsRequired < rec.AutoTopup.Threshold {
			g.keys.MaybeAutoTopup(rec.Key)
		}
		if !g.tryDeduct(ctx, rec.Key, creditsRequired) {
			span.SetAttributes(traces.DenyReason(ReasonNoCredits))
			current := g.keys.GetRaw(rec.Key)
			available := int64(0)
			if current != nil {
				available = current.Credits
			}
			res.CreditsRemaining = available
			res.Response = g.deny(id, rec.Key, tool, mcp.CodePaymentRequired, ReasonNoCredits, mcp.PaymentRequiredData{
				Tool:             tool,
				CreditsNeeded:    creditsRequired,
				CreditsAvailable: available,
				Pricing:          g.pricingInfo(tool),
				TopUpEndpoint:    "/topup",
				BalanceEndpoint:  "/balance",
				PricingEndpoint:  "/pricing",
			})
			g.recordUsage(rec, tool, 0, false, ReasonNoCredits, start)
			return 0
		}
		charged = creditsRequired
		span.SetAttributes(traces.Credits(charged))
		if g.OnCharge != nil {
			g.OnCharge(rec.Key, tool, charged)
		}
	}

	// Forward. The request carries the possibly-rewritten arguments.
	fwd := g.rebuildRequest(req, id, params)
	resp, err := g.backend.Forward(ctx, fwd)

	switch {
	case err != nil:
		// Transport-level failure: the tool may not have run at all.
		if charged > 0 && g.refundOnFailure {
			g.refund(rec.Key, tool, charged)
			charged = 0
		}
		metrics.ToolCall(tool, "error")
		g.recordUsage(rec, tool, charged, false, ReasonBackendError, start)
		res.Response = mcp.NewErrorResponse(id, mcp.CodeInternalError, "backend error", nil)
		g.updateRemaining(rec.Key, res)
		return charged

	case resp != nil && resp.Error != nil:
		// The backend answered with a JSON-RPC error. Client-fault errors
		// keep the charge; everything else refunds when configured.
		permanent := resp.Error.Code == mcp.CodeMethodNotFound || resp.Error.Code == mcp.CodeInvalidParams
		if charged > 0 && g.refundOnFailure && !permanent {
			g.refund(rec.Key, tool, charged)
			charged = 0
		}
		metrics.ToolCall(tool, "error")
		g.recordUsage(rec, tool, charged, false, ReasonBackendError, start)
		res.Response = resp
		g.updateRemaining(rec.Key, res)
		return charged
	}

	// Success: commit quota and team accounting against the charge.
	if charged > 0 {
		g.keys.RecordQuota(rec.Key, charged)
		if g.teams != nil {
			g.teams.Record(rec.Key, charged)
		}
		metrics.ChargeCredits(tool, charged)
	}
	metrics.ToolCall(tool, "success")

	if g.plugins != nil && resp != nil {
		if transformed := g.plugins.AfterToolCall(ctx, rec.Key, tool, resp); transformed != nil {
			resp = transformed
		}
	}

	reason := ""
	if g.shadowMode && shadowReason != "" {
		reason = shadowReason // would have been denied; observability only
	}
	g.recordUsage(rec, tool, charged, true, reason, start)
	res.Response = resp
	g.updateRemaining(rec.Key, res)
	return charged
}

// handleBatch meters each sub-call independently after one round of
// key-level checks. A sub-call denial does not abort its siblings.
func (g *Gate) handleBatch(ctx context.Context, req *mcp.Request, auth Auth) *Result {
	res := &Result{CreditsRemaining: -1}

	var batch mcp.BatchParams
	if err := json.Unmarshal(req.Params, &batch); err != nil || len(batch.Calls) == 0 {
		res.Response = mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid tools/call_batch params", nil)
		return res
	}

	rec, denyResp := g.admitKey(req, auth)
	if denyResp != nil {
		res.Response = denyResp
		return res
	}

	out := mcp.BatchResult{Results: make([]mcp.BatchItem, 0, len(batch.Calls))}
	for i := range batch.Calls {
		call := batch.Calls[i]
		sub := &Result{CreditsRemaining: -1}
		// Sub-calls share the batch id on the wire but are priced and
		// refunded independently.
		current := g.keys.GetRaw(rec.Key)
		if current == nil {
			break
		}
		charged := g.callOne(ctx, req, req.ID, &call, current, auth, sub)

		item := mcp.BatchItem{Tool: call.Name, CreditsCharged: charged}
		if sub.Response != nil {
			if sub.Response.Error != nil {
				item.Error = sub.Response.Error
			} else {
				item.Result = sub.Response.Result
			}
		}
		out.TotalCreditsCharged += charged
		out.Results = append(out.Results, item)
		if sub.Rate != nil {
			res.Rate, res.RateLimit = sub.Rate, sub.RateLimit
		}
	}

	res.Response = mcp.NewResultResponse(req.ID, out)
	g.updateRemaining(rec.Key, res)
	return res
}

// forwardUnmetered passes non-tool-call traffic straight through, adding
// pricing annotations to tools/list results.
func (g *Gate) forwardUnmetered(ctx context.Context, req *mcp.Request) *mcp.Response {
	resp, err := g.backend.Forward(ctx, req)
	if err != nil {
		if req.IsNotification() {
			return nil
		}
		return mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, "backend error", nil)
	}
	if resp == nil {
		return nil
	}
	if req.Method == mcp.MethodToolsList && resp.Error == nil {
		return g.enrichToolsList(req.ID, resp)
	}
	return resp
}

// enrichToolsList annotates each tool with its price so clients can budget
// before calling.
func (g *Gate) enrichToolsList(id json.RawMessage, resp *mcp.Response) *mcp.Response {
	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return resp
	}
	for _, tool := range result.Tools {
		name, _ := tool["name"].(string)
		tool["_pricing"] = g.pricingInfo(name)
	}
	enriched, err := json.Marshal(result)
	if err != nil {
		return resp
	}
	out := *resp
	out.Result = enriched
	out.ID = id
	return &out
}

// price computes base + size charge for a call.
func (g *Gate) price(tool string, args json.RawMessage) int64 {
	base := g.defaultPrice
	if override, ok := g.toolPrices[tool]; ok {
		base = override
	}
	price := base
	if g.perKBRate > 0 && len(args) > 0 {
		kb := (int64(len(args)) + 1023) / 1024
		price += kb * g.perKBRate
	}
	if g.plugins != nil {
		price = g.plugins.TransformPrice(tool, price)
	}
	if _, free := g.freeMethods[tool]; free {
		return 0
	}
	return price
}

func (g *Gate) pricingInfo(tool string) map[string]any {
	base := g.defaultPrice
	if override, ok := g.toolPrices[tool]; ok {
		base = override
	}
	info := map[string]any{"credits": base}
	if g.perKBRate > 0 {
		info["perKb"] = g.perKBRate
	}
	return info
}

// tryDeduct routes the charge through Redis when the sync layer is healthy,
// falling back to the local atomic path otherwise.
func (g *Gate) tryDeduct(ctx context.Context, key string, amount int64) bool {
	if amount == 0 {
		return true
	}
	if g.syncer != nil && g.syncer.Healthy() {
		if ok, usedRedis := g.syncer.TryDeduct(ctx, key, amount); usedRedis {
			return ok
		}
	}
	return g.keys.TryDeduct(key, amount)
}

func (g *Gate) refund(key, tool string, amount int64) {
	if err := g.keys.Refund(key, amount, ReasonBackendError); err != nil {
		g.logger.Error("refund failed", "key", key, "tool", tool, "error", err)
		return
	}
	metrics.Refund(tool)
	if g.OnRefund != nil {
		g.OnRefund(key, tool, amount)
	}
}

// deny builds the error response and fires the denial side effects.
func (g *Gate) deny(id json.RawMessage, apiKey, tool string, code int, reason string, data any) *mcp.Response {
	metrics.Denial(reason)
	if g.OnDeny != nil {
		g.OnDeny(apiKey, tool, reason)
	}
	if g.emitter != nil && tool != "" {
		rec := g.keys.GetRaw(apiKey)
		ns := ""
		if rec != nil {
			ns = rec.Namespace
		}
		g.emitter.EmitCallDenied(ns, apiKey, tool, reason)
	}
	return mcp.NewErrorResponse(id, code, reason, data)
}

func (g *Gate) recordUsage(rec *keystore.Record, tool string, charged int64, allowed bool, reason string, start time.Time) {
	g.usage.Record(usage.Event{
		Timestamp:      g.now(),
		APIKey:         rec.Key,
		KeyName:        rec.Name,
		Namespace:      rec.Namespace,
		Tool:           tool,
		CreditsCharged: charged,
		Allowed:        allowed,
		DenyReason:     reason,
		DurationMs:     g.now().Sub(start).Milliseconds(),
	})
}

func (g *Gate) updateRemaining(key string, res *Result) {
	if rec := g.keys.GetRaw(key); rec != nil {
		res.CreditsRemaining = rec.Credits
	}
}

// rebuildRequest clones the request with possibly-rewritten params.
func (g *Gate) rebuildRequest(req *mcp.Request, id json.RawMessage, params *mcp.CallToolParams) *mcp.Request {
	raw, err := json.Marshal(params)
	if err != nil {
		return req
	}
	out := *req
	out.ID = id
	out.Method = mcp.MethodToolsCall
	out.Params = raw
	return &out
}
