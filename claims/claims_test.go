package claims

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/broker/memory"
	"github.com/weftworks/weft/plan"
	"github.com/weftworks/weft/wire"
)

func testClaim() map[string]any {
	return map[string]any{
		"claim_id":      "CLM-001",
		"policy_id":     "policy-12345",
		"claimant_name": "Jane Roe",
		"claim_amount":  1500.00,
	}
}

func TestTasksFormValidDAG(t *testing.T) {
	p := &plan.Plan{JobID: "j1", Goal: "process claim", Tasks: Tasks(testClaim())}
	require.NoError(t, p.Validate())

	approve, ok := p.Task("approve_claim")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"check_policy", "detect_fraud"}, approve.Dependencies)
	assert.Equal(t, plan.Ref("check_policy", "policy_verdict"), approve.Details["policy_status"])
	assert.Equal(t, plan.Ref("detect_fraud", "fraud_score"), approve.Details["fraud_score"])
}

func TestDocumentReaderExtractsBillingData(t *testing.T) {
	h := DocumentReader()
	result, err := h(context.Background(), map[string]string{
		"claim_data": wire.Stringify(testClaim()),
	})
	require.NoError(t, err)

	extracted, ok := result["extracted_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Jane Roe", extracted["patient_name"])
	assert.Equal(t, 1500.00, extracted["total_billed"])
}

func TestDocumentReaderRejectsBadClaims(t *testing.T) {
	h := DocumentReader()

	_, err := h(context.Background(), map[string]string{"claim_data": "garbage"})
	assert.Error(t, err)

	_, err = h(context.Background(), map[string]string{
		"claim_data": wire.Stringify(map[string]any{"claimant_name": "Jane Roe"}),
	})
	assert.ErrorContains(t, err, "claim_id")
}

func TestPolicyCheckVerdicts(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		policy  map[string]any
		billed  float64
		verdict string
	}{
		{"covered under limit", map[string]any{"is_active": true, "post_hospital_limit": 2000.0}, 1500, "Covered"},
		{"covered at limit", map[string]any{"is_active": true, "post_hospital_limit": 1500.0}, 1500, "Covered"},
		{"over limit", map[string]any{"is_active": true, "post_hospital_limit": 1000.0}, 1500, "Not Covered"},
		{"inactive policy", map[string]any{"is_active": false, "post_hospital_limit": 2000.0}, 1500, "Not Covered"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := memory.New()
			require.NoError(t, b.HSet(ctx, PoliciesKey, "policy-12345", wire.Stringify(tc.policy)))

			h := PolicyCheck(b)
			result, err := h(ctx, map[string]string{
				"policy_id":     "policy-12345",
				"claim_details": wire.Stringify(map[string]any{"total_billed": tc.billed}),
			})
			require.NoError(t, err)
			assert.Equal(t, tc.verdict, result["policy_verdict"])
		})
	}
}

func TestPolicyCheckToleratesSingleQuotedRecords(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.HSet(ctx, PoliciesKey, "policy-12345",
		`{'is_active': True, 'post_hospital_limit': 2000.0}`))

	h := PolicyCheck(b)
	result, err := h(ctx, map[string]string{
		"policy_id":     "policy-12345",
		"claim_details": wire.Stringify(map[string]any{"total_billed": 1500.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, "Covered", result["policy_verdict"])
}

func TestPolicyCheckErrors(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	h := PolicyCheck(b)

	_, err := h(ctx, map[string]string{"claim_details": "{}"})
	assert.ErrorContains(t, err, "policy_id not provided")

	_, err = h(ctx, map[string]string{"policy_id": "ghost", "claim_details": "{}"})
	assert.ErrorContains(t, err, "not found")
}

func TestFraudDetectionScores(t *testing.T) {
	h := FraudDetection()

	result, err := h(context.Background(), map[string]string{
		"claim_details": wire.Stringify(map[string]any{"total_billed": 1500.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, fraudHighScore, result["fraud_score"])
	assert.Equal(t, true, result["is_flagged"])

	result, err = h(context.Background(), map[string]string{
		"claim_details": wire.Stringify(map[string]any{"total_billed": 800.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, fraudLowScore, result["fraud_score"])
	assert.Equal(t, false, result["is_flagged"])

	// The threshold itself does not trip the high score.
	result, err = h(context.Background(), map[string]string{
		"claim_details": wire.Stringify(map[string]any{"total_billed": fraudBilledThreshold}),
	})
	require.NoError(t, err)
	assert.Equal(t, fraudLowScore, result["fraud_score"])
}

func TestClaimApprovalDecisions(t *testing.T) {
	h := ClaimApproval()
	cases := []struct {
		name     string
		status   string
		score    string
		decision string
	}{
		{"covered low fraud", "Covered", "0.15", "Approved"},
		{"covered high fraud", "Covered", "0.85", "Manual Review (High Fraud Score)"},
		{"not covered", "Not Covered", "0.15", "Rejected (Not Covered by Policy)"},
		{"not covered high fraud", "Not Covered", "0.85", "Rejected (Not Covered by Policy)"},
		{"unknown verdict", "", "0.15", "Rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := h(context.Background(), map[string]string{
				"policy_status": tc.status,
				"fraud_score":   tc.score,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.decision, result["final_decision"])
		})
	}
}

func TestClaimApprovalRejectsBadScore(t *testing.T) {
	h := ClaimApproval()
	_, err := h(context.Background(), map[string]string{
		"policy_status": "Covered",
		"fraud_score":   "not a number",
	})
	assert.Error(t, err)
}
