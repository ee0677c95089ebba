package guard_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/guard"
	"github.com/agentium/governance-core/tier"
)

func TestValidate_BlocksDangerousShellInvocation(t *testing.T) {
	result := guard.Validate("import os\nos.system('rm -rf /')", tier.TierTask)
	require.False(t, result.Passed)
	require.Equal(t, guard.SeverityCritical, result.Severity)
	require.NotEmpty(t, result.Violations)
}

func TestValidate_AllowsSafeDataProcessing(t *testing.T) {
	result := guard.Validate("import pandas as pd\nresult = pd.DataFrame({'a': [1,2,3]})", tier.TierTask)
	require.True(t, result.Passed)
	require.Equal(t, guard.SeverityNone, result.Severity)
}

func TestValidate_RestrictedImportBlockedForNonHead(t *testing.T) {
	result := guard.Validate("import requests\nrequests.get('http://example.com')", tier.TierTask)
	require.False(t, result.Passed)
	require.Equal(t, guard.SeverityHigh, result.Severity)
}

func TestValidate_RestrictedImportAllowedForHead(t *testing.T) {
	result := guard.Validate("import requests\n", tier.TierHead)
	require.True(t, result.Passed)
}

func TestValidate_UnknownImportIsMediumNotBlocking(t *testing.T) {
	result := guard.Validate("import some_random_unvetted_package\n", tier.TierTask)
	require.True(t, result.Passed)
	require.Equal(t, guard.SeverityMedium, result.Severity)
}

func TestValidate_SyntaxViolationOnUnbalancedBrackets(t *testing.T) {
	result := guard.Validate("result = [1, 2, 3\n", tier.TierTask)
	require.False(t, result.Passed)
	require.Equal(t, guard.SeverityCritical, result.Severity)
}

func TestValidate_EvalIsCritical(t *testing.T) {
	result := guard.Validate("result = eval(input_data['expr'])", tier.TierTask)
	require.False(t, result.Passed)
}
