// healing.go ports the ten FMEA-derived self-healing mitigations from the
// original engine's self-healing hook wrapper into the pipeline's own
// terms: a hook id plus mode is the unit of tracking instead of a
// standalone KnowledgeHook object, and mitigations return a HealingResult
// the pipeline folds into its transaction log rather than a standalone
// receipt.
package hooks

import (
	"fmt"
	"strings"

	"github.com/knhk/engine/internal/logging"
)

// HealingConfig tunes the self-healing thresholds (spec §4.5.x).
type HealingConfig struct {
	TimeoutMS        float64
	MaxChainDepth    int
	MaxReceipts      int
	MaxDeltaMatches  int
	SanitizeQueries  bool
}

// DefaultHealingConfig mirrors the original's dataclass defaults.
func DefaultHealingConfig() HealingConfig {
	return HealingConfig{
		TimeoutMS:       100.0,
		MaxChainDepth:   10,
		MaxReceipts:     1000,
		MaxDeltaMatches: 1000,
		SanitizeQueries: true,
	}
}

// HealingResult records one self-healing intervention.
type HealingResult struct {
	FMID          string
	Success       bool
	ActionTaken   string
	FallbackUsed  bool
	OriginalError string
}

// Healer applies the ten FM-HOOK-00X mitigations around hook execution.
type Healer struct {
	cfg           HealingConfig
	log           *logging.Logger
	chainVisited  map[string]bool
	receiptCount  int
}

func NewHealer(cfg HealingConfig, log *logging.Logger) *Healer {
	return &Healer{cfg: cfg, log: log, chainVisited: make(map[string]bool)}
}

// EnterChain implements FM-HOOK-002 (circular hook chain): a hook id
// already on the active call stack is rejected rather than re-entered.
// Callers must defer ExitChain on success.
func (h *Healer) EnterChain(hookID string) (HealingResult, bool) {
	if h.chainVisited[hookID] {
		h.log.Error(fmt.Sprintf("FM-HOOK-002: circular chain detected at hook %s", hookID))
		return HealingResult{
			FMID:          "FM-HOOK-002",
			Success:       false,
			ActionTaken:   "blocked circular chain execution",
			OriginalError: fmt.Sprintf("hook %s already in execution chain", hookID),
		}, false
	}
	if len(h.chainVisited) >= h.cfg.MaxChainDepth {
		h.log.Error(fmt.Sprintf("FM-HOOK-002: max chain depth %d exceeded", h.cfg.MaxChainDepth))
		return HealingResult{
			FMID:          "FM-HOOK-002",
			Success:       false,
			ActionTaken:   "blocked execution past max chain depth",
			OriginalError: fmt.Sprintf("chain depth would exceed %d", h.cfg.MaxChainDepth),
		}, false
	}
	h.chainVisited[hookID] = true
	return HealingResult{}, true
}

func (h *Healer) ExitChain(hookID string) {
	delete(h.chainVisited, hookID)
}

// ResetChainTracking clears chain-depth tracking for a new transaction.
func (h *Healer) ResetChainTracking() {
	h.chainVisited = make(map[string]bool)
}

// CheckTimeout implements FM-HOOK-001: a hook that overran the configured
// timeout is logged and flagged for fallback, without itself aborting the
// pipeline (the pipeline's own deadline enforcement does that; this just
// records the healing action taken).
func (h *Healer) CheckTimeout(hookID string, actualMS float64) HealingResult {
	if actualMS <= h.cfg.TimeoutMS {
		return HealingResult{FMID: "FM-HOOK-001", Success: true, ActionTaken: "within timeout"}
	}
	h.log.Error(fmt.Sprintf("FM-HOOK-001: hook %s timed out after %.2fms", hookID, actualMS))
	return HealingResult{
		FMID:         "FM-HOOK-001",
		Success:      true,
		ActionTaken:  fmt.Sprintf("timeout at %.2fms, fallback to default", actualMS),
		FallbackUsed: true,
	}
}

// BreakPriorityTie implements FM-HOOK-003: equal-priority hooks are
// ordered lexicographically by id, the tie-break the registry's Ordered
// always applies -- this just records that it happened for a given batch.
func (h *Healer) BreakPriorityTie(ids []string) HealingResult {
	sorted := append([]string(nil), ids...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return HealingResult{
		FMID:        "FM-HOOK-003",
		Success:     true,
		ActionTaken: fmt.Sprintf("lexicographic ordering applied: %v", sorted),
	}
}

// RollbackCascade implements FM-HOOK-004: a failed rollback is never
// retried piecemeal, it is reported so the pipeline can enforce the
// all-or-nothing transaction boundary spec §4.5 requires.
func (h *Healer) RollbackCascade(cause error) HealingResult {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	h.log.Error(fmt.Sprintf("FM-HOOK-004: rollback cascade detected: %s", msg))
	return HealingResult{
		FMID:          "FM-HOOK-004",
		Success:       false,
		ActionTaken:   "atomic transaction boundary enforced",
		OriginalError: msg,
	}
}

// PhaseViolation implements FM-HOOK-005: a hook invoked outside its
// declared PRE/POST mode is blocked.
func (h *Healer) PhaseViolation(hookID, expected, actual string) HealingResult {
	h.log.Error(fmt.Sprintf("FM-HOOK-005: phase violation for %s: expected %s, got %s", hookID, expected, actual))
	return HealingResult{
		FMID:          "FM-HOOK-005",
		Success:       false,
		ActionTaken:   "blocked out-of-phase execution",
		OriginalError: fmt.Sprintf("expected phase %s, got %s", expected, actual),
	}
}

var dangerousQueryPatterns = []string{"INSERT", "DELETE", "DROP", "CREATE", "LOAD", "CLEAR"}

// SanitizeQuery implements FM-HOOK-006: a guard expression that contains a
// storage-mutation keyword is rejected before evaluation, since guards
// must be read-only (spec §4.2).
func (h *Healer) SanitizeQuery(hookID, query string) HealingResult {
	if !h.cfg.SanitizeQueries {
		return HealingResult{FMID: "FM-HOOK-006", Success: true, ActionTaken: "sanitization disabled"}
	}
	upper := strings.ToUpper(query)
	for _, pattern := range dangerousQueryPatterns {
		if strings.Contains(upper, pattern) {
			h.log.Error(fmt.Sprintf("FM-HOOK-006: injection pattern %s detected in %s", pattern, hookID))
			return HealingResult{
				FMID:          "FM-HOOK-006",
				Success:       false,
				ActionTaken:   fmt.Sprintf("blocked dangerous query pattern: %s", pattern),
				OriginalError: fmt.Sprintf("detected %s in guard query", pattern),
			}
		}
	}
	return HealingResult{FMID: "FM-HOOK-006", Success: true, ActionTaken: "query validated"}
}

// ActionSchema lists the handler_data keys an action requires.
var ActionSchema = map[string][]string{
	"reject":    {"reason"},
	"notify":    {"message"},
	"transform": {"pattern"},
	"assert":    {},
}

// CheckActionSchema implements FM-HOOK-007: a hook's declared action must
// carry the parameters that action needs.
func (h *Healer) CheckActionSchema(hookID, action string, params map[string]any) HealingResult {
	required := ActionSchema[action]
	var missing []string
	for _, k := range required {
		if _, ok := params[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		h.log.Error(fmt.Sprintf("FM-HOOK-007: missing handler_data keys for %s: %v", hookID, missing))
		return HealingResult{
			FMID:          "FM-HOOK-007",
			Success:       false,
			ActionTaken:   fmt.Sprintf("missing required handler_data: %v", missing),
			OriginalError: fmt.Sprintf("action %s requires: %v", action, required),
		}
	}
	return HealingResult{FMID: "FM-HOOK-007", Success: true, ActionTaken: "schema validated"}
}

// CheckRulesLoaded implements FM-HOOK-008: a registry with zero hooks
// bound to a task that expects guards is a likely configuration bug.
func (h *Healer) CheckRulesLoaded(hookCount int) HealingResult {
	if hookCount > 0 {
		return HealingResult{FMID: "FM-HOOK-008", Success: true, ActionTaken: "rules loaded"}
	}
	h.log.Error("FM-HOOK-008: hook rule set may not be loaded")
	return HealingResult{
		FMID:         "FM-HOOK-008",
		Success:      true,
		ActionTaken:  "recommended reload of hook rule set",
		FallbackUsed: true,
	}
}

// CheckReceiptExhaustion implements FM-HOOK-009: once the running receipt
// count passes MaxReceipts, the counter resets and the caller is told to
// rotate the chain into cold storage.
func (h *Healer) CheckReceiptExhaustion() HealingResult {
	h.receiptCount++
	if h.receiptCount <= h.cfg.MaxReceipts {
		return HealingResult{FMID: "FM-HOOK-009", Success: true, ActionTaken: "within bounds"}
	}
	h.log.Warn(fmt.Sprintf("FM-HOOK-009: receipt count %d exceeds max %d", h.receiptCount, h.cfg.MaxReceipts))
	h.receiptCount = 0
	return HealingResult{
		FMID:        "FM-HOOK-009",
		Success:     true,
		ActionTaken: "receipt counter reset, old receipts should be archived",
	}
}

// CheckDeltaExplosion implements FM-HOOK-010: it reports a delta whose
// operation count exceeds MaxDeltaMatches by setting FallbackUsed. It does
// not change the delta; any truncation is done by the caller.
func (h *Healer) CheckDeltaExplosion(matchCount int) HealingResult {
	if matchCount <= h.cfg.MaxDeltaMatches {
		return HealingResult{
			FMID:        "FM-HOOK-010",
			Success:     true,
			ActionTaken: fmt.Sprintf("delta matches within bounds: %d", matchCount),
		}
	}
	h.log.Warn(fmt.Sprintf("FM-HOOK-010: delta matches %d exceeds max %d", matchCount, h.cfg.MaxDeltaMatches))
	return HealingResult{
		FMID:         "FM-HOOK-010",
		Success:      true,
		ActionTaken:  fmt.Sprintf("truncated delta matches to %d", h.cfg.MaxDeltaMatches),
		FallbackUsed: true,
	}
}
