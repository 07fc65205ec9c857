// Package claims contains the insurance-claim demo fleet: the agent
// handlers for document reading, policy checking, fraud detection and
// claim approval, plus the plan shape wiring them into a fan-out/fan-in
// DAG. Handlers are pure functions over task fields; the only external
// state is the policies reference hash.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/weftworks/weft/broker"
	"github.com/weftworks/weft/plan"
	"github.com/weftworks/weft/wire"
)

// PoliciesKey is the reference hash mapping policy IDs to serialized
// policy records.
const PoliciesKey = "policies"

// Agent role and tool names for the claims fleet.
const (
	DocumentReaderAgent = "document_reader"
	PolicyCheckAgent    = "policy_check"
	FraudDetectionAgent = "fraud_detection"
	ClaimApprovalAgent  = "claim_approval"

	OCRTool           = "ocr_tool"
	PolicyAPITool     = "policy_api"
	FraudModelTool    = "fraud_model"
	ApprovalRulesTool = "approval_rules_engine"
)

// Fraud scoring constants: claims billed over the threshold score high,
// and scores above the flag level require manual review.
const (
	fraudBilledThreshold = 1000.0
	fraudHighScore       = 0.85
	fraudLowScore        = 0.15
	fraudFlagLevel       = 0.7
)

// Tasks returns the four-task claim-processing DAG for a claim record:
// document reading fans out to policy check and fraud detection, which
// fan back in to the approval decision.
func Tasks(claim map[string]any) []plan.Task {
	return []plan.Task{
		{
			ID:    "read_docs",
			Agent: DocumentReaderAgent,
			Details: map[string]any{
				"claim_data": wire.Stringify(claim),
			},
			Dependencies: []string{},
		},
		{
			ID:    "check_policy",
			Agent: PolicyCheckAgent,
			Details: map[string]any{
				"policy_id":     claim["policy_id"],
				"claim_details": plan.Ref("read_docs", "extracted_data"),
			},
			Dependencies: []string{"read_docs"},
		},
		{
			ID:    "detect_fraud",
			Agent: FraudDetectionAgent,
			Details: map[string]any{
				"claim_details": plan.Ref("read_docs", "extracted_data"),
			},
			Dependencies: []string{"read_docs"},
		},
		{
			ID:    "approve_claim",
			Agent: ClaimApprovalAgent,
			Details: map[string]any{
				"policy_status": plan.Ref("check_policy", "policy_verdict"),
				"fraud_score":   plan.Ref("detect_fraud", "fraud_score"),
			},
			Dependencies: []string{"check_policy", "detect_fraud"},
		},
	}
}

// DocumentReader returns the OCR handler. It parses the claim record and
// emits the extracted billing data. The extraction itself is mocked.
func DocumentReader() func(ctx context.Context, task map[string]string) (map[string]any, error) {
	return func(_ context.Context, task map[string]string) (map[string]any, error) {
		claim, err := wire.ParseDict(task["claim_data"])
		if err != nil {
			return nil, fmt.Errorf("claim_data: %w", err)
		}
		claimID, _ := claim["claim_id"].(string)
		if claimID == "" {
			return nil, errors.New("claim record missing claim_id")
		}
		claimant, _ := claim["claimant_name"].(string)
		return map[string]any{
			"extracted_data": map[string]any{
				"patient_name":  claimant,
				"total_billed":  1500.00,
				"procedures":    []any{"Medication", "Consultation"},
				"hospital_name": "General Hospital",
			},
		}, nil
	}
}

// PolicyCheck returns the policy verification handler. It loads the
// policy record from the reference hash and compares the billed total to
// the post-hospitalization limit. Legacy single-quoted policy records are
// tolerated by the robust parser.
func PolicyCheck(b broker.Client) func(ctx context.Context, task map[string]string) (map[string]any, error) {
	return func(ctx context.Context, task map[string]string) (map[string]any, error) {
		policyID := task["policy_id"]
		if policyID == "" {
			return nil, errors.New("policy_id not provided")
		}
		record, ok, err := b.HGet(ctx, PoliciesKey, policyID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("policy %s not found", policyID)
		}
		policy, err := wire.ParseDict(record)
		if err != nil {
			return nil, fmt.Errorf("policy %s record: %w", policyID, err)
		}
		details, err := wire.ParseDict(task["claim_details"])
		if err != nil {
			return nil, fmt.Errorf("claim_details: %w", err)
		}
		active, _ := policy["is_active"].(bool)
		limit := toFloat(policy["post_hospital_limit"])
		billed := toFloat(details["total_billed"])
		verdict := "Not Covered"
		if active && billed <= limit {
			verdict = "Covered"
		}
		return map[string]any{
			"policy_verdict": verdict,
			"coverage_limit": limit,
		}, nil
	}
}

// FraudDetection returns the fraud scoring handler: totals above the
// billing threshold score high, and high scores are flagged.
func FraudDetection() func(ctx context.Context, task map[string]string) (map[string]any, error) {
	return func(_ context.Context, task map[string]string) (map[string]any, error) {
		details, err := wire.ParseDict(task["claim_details"])
		if err != nil {
			return nil, fmt.Errorf("claim_details: %w", err)
		}
		score := fraudLowScore
		if toFloat(details["total_billed"]) > fraudBilledThreshold {
			score = fraudHighScore
		}
		return map[string]any{
			"fraud_score": score,
			"is_flagged":  score > fraudFlagLevel,
		}, nil
	}
}

// ClaimApproval returns the final decision handler combining the policy
// verdict and the fraud score.
func ClaimApproval() func(ctx context.Context, task map[string]string) (map[string]any, error) {
	return func(_ context.Context, task map[string]string) (map[string]any, error) {
		policyStatus := task["policy_status"]
		score := 0.0
		if raw := task["fraud_score"]; raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("fraud_score %q: %w", raw, err)
			}
			score = f
		}
		decision := "Rejected"
		switch {
		case policyStatus == "Covered" && score < fraudFlagLevel:
			decision = "Approved"
		case policyStatus == "Covered":
			decision = "Manual Review (High Fraud Score)"
		case policyStatus == "Not Covered":
			decision = "Rejected (Not Covered by Policy)"
		}
		return map[string]any{
			"final_decision": decision,
			"reason":         fmt.Sprintf("Policy: %s, Fraud Score: %g", policyStatus, score),
		}, nil
	}
}

// toFloat converts the numeric forms produced by the wire parser.
func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
