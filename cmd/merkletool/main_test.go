package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/internal/merkle/domain"
)

const balancesJSON = `[
  {"beneficiary_id":"B","token":"USDC","total_amount":"2"},
  {"beneficiary_id":"A","token":"USDC","total_amount":"1.5"},
  {"beneficiary_id":"C","token":"USDC","total_amount":"3"}
]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestRun_RootThenProofThenVerify(t *testing.T) {
	for _, c := range []string{"EVM", "SVM"} {
		t.Run(c, func(t *testing.T) {
			balances := writeFile(t, "balances.json", balancesJSON)

			var rootOut bytes.Buffer
			require.NoError(t, run(&rootOut, balances, c, 6, "", ""))
			assert.Contains(t, rootOut.String(), "leafCount: 3")

			var proofOut bytes.Buffer
			require.NoError(t, run(&proofOut, balances, c, 6, "C", ""))
			proofPath := writeFile(t, "proof.json", proofOut.String())

			var verifyOut bytes.Buffer
			require.NoError(t, run(&verifyOut, "", c, 6, "", proofPath))
			assert.Equal(t, "valid", strings.TrimSpace(verifyOut.String()))
		})
	}
}

func TestRun_TamperedProofRejected(t *testing.T) {
	balances := writeFile(t, "balances.json", balancesJSON)
	var proofOut bytes.Buffer
	require.NoError(t, run(&proofOut, balances, "EVM", 6, "A", ""))

	tampered := strings.Replace(proofOut.String(), `"amount": "1.5"`, `"amount": "150"`, 1)
	require.NotEqual(t, proofOut.String(), tampered)
	proofPath := writeFile(t, "proof.json", tampered)

	err := run(&bytes.Buffer{}, "", "EVM", 6, "", proofPath)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestRun_Errors(t *testing.T) {
	balances := writeFile(t, "balances.json", balancesJSON)
	assert.Error(t, run(&bytes.Buffer{}, balances, "cosmos", 6, "", ""))
	assert.Error(t, run(&bytes.Buffer{}, balances, "EVM", 6, "nobody", ""))
}
