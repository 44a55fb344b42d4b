package mysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
)

func TestRootModel_KeepsSVMRootBytes(t *testing.T) {
	var h domain.Hash
	for i := range h {
		h[i] = byte(i)
	}
	in := &domain.MerkleRootData{Chain: chain.SVM, Token: "USDC", Root: h, Version: 4, LeafCount: 10, CreatedAt: time.Unix(100, 0).UTC()}

	m := toRootModel(in)
	assert.Len(t, m.Root, 66)
	assert.Equal(t, "SVM", m.Chain)

	out, err := toRoot(m)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
