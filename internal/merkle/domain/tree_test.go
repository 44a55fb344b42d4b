package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

func bal(id string, amount float64) ClaimableBalance {
	return ClaimableBalance{BeneficiaryID: id, Token: "USDC", TotalAmount: money.MustFrom(amount)}
}

func balances(n int) []ClaimableBalance {
	out := make([]ClaimableBalance, n)
	for i := range out {
		out[i] = bal(fmt.Sprintf("user-%03d", i), float64(i+1)*1.5)
	}
	return out
}

func TestBuild_ThreeLeavesDuplicatesLast(t *testing.T) {
	for _, c := range []chain.Chain{chain.EVM, chain.SVM} {
		t.Run(c.String(), func(t *testing.T) {
			b := NewTreeBuilder(6)
			in := []ClaimableBalance{bal("c", 3), bal("a", 1), bal("b", 2)}

			tree, err := b.Build(in, c)
			require.NoError(t, err)

			h, err := HasherFor(c)
			require.NoError(t, err)
			la, _ := LeafHash(h, in[1], 6)
			lb, _ := LeafHash(h, in[2], 6)
			lc, _ := LeafHash(h, in[0], 6)
			want := NodeHash(h, NodeHash(h, la, lb), NodeHash(h, lc, lc))

			assert.Equal(t, want, tree.Root)
			assert.Equal(t, 3, tree.LeafCount())
			assert.Equal(t, "a", tree.Balances[0].BeneficiaryID)
		})
	}
}

func TestBuild_PermutationInvariant(t *testing.T) {
	b := NewTreeBuilder(6)
	in := balances(9)
	reversed := make([]ClaimableBalance, len(in))
	for i := range in {
		reversed[len(in)-1-i] = in[i]
	}

	t1, err := b.Build(in, chain.EVM)
	require.NoError(t, err)
	t2, err := b.Build(reversed, chain.EVM)
	require.NoError(t, err)
	assert.Equal(t, t1.Root, t2.Root)
}

func TestBuild_ChainsDiffer(t *testing.T) {
	b := NewTreeBuilder(6)
	evm, err := b.Build(balances(4), chain.EVM)
	require.NoError(t, err)
	svm, err := b.Build(balances(4), chain.SVM)
	require.NoError(t, err)
	assert.NotEqual(t, evm.Root, svm.Root)
}

func TestBuild_ParallelMatchesSerial(t *testing.T) {
	in := balances(37)
	serial, err := NewTreeBuilder(6).WithParallelThreshold(0).Build(in, chain.SVM)
	require.NoError(t, err)
	parallel, err := NewTreeBuilder(6).WithParallelThreshold(1).Build(in, chain.SVM)
	require.NoError(t, err)
	assert.Equal(t, serial.Root, parallel.Root)
	assert.Equal(t, serial.Levels, parallel.Levels)
}

func TestBuild_Validation(t *testing.T) {
	b := NewTreeBuilder(6)

	_, err := b.Build(nil, chain.EVM)
	assert.ErrorIs(t, err, ErrEmptyTree)

	_, err = b.Build([]ClaimableBalance{bal("", 1)}, chain.EVM)
	assert.ErrorIs(t, err, ErrInvalidBalance)

	_, err = b.Build([]ClaimableBalance{{BeneficiaryID: "a", TotalAmount: money.MustFrom(1)}}, chain.EVM)
	assert.ErrorIs(t, err, ErrInvalidBalance)

	_, err = b.Build([]ClaimableBalance{bal("a", 1), bal("a", 2)}, chain.EVM)
	assert.ErrorIs(t, err, ErrInvalidBalance)

	other := bal("b", 1)
	other.Token = "USDT"
	_, err = b.Build([]ClaimableBalance{bal("a", 1), other}, chain.EVM)
	assert.ErrorIs(t, err, ErrMixedTokens)

	_, err = b.Build(balances(2), chain.Chain("BTC"))
	assert.ErrorIs(t, err, chain.ErrUnknownChain)
}

func TestProof_RoundTripEveryBeneficiary(t *testing.T) {
	b := NewTreeBuilder(6)
	for _, c := range []chain.Chain{chain.EVM, chain.SVM} {
		for n := 1; n <= 17; n++ {
			in := balances(n)
			tree, err := b.Build(in, c)
			require.NoError(t, err)

			for _, bl := range in {
				p := tree.Proof(bl.BeneficiaryID)
				require.NotNil(t, p)
				assert.Len(t, p.Proof, Depth(n))
				assert.True(t, b.Verify(p, tree.Root), "chain=%s n=%d id=%s", c, n, bl.BeneficiaryID)
			}
		}
	}
}

func TestProof_AbsentBeneficiary(t *testing.T) {
	tree, err := NewTreeBuilder(6).Build(balances(3), chain.EVM)
	require.NoError(t, err)
	assert.Nil(t, tree.Proof("nobody"))
}

func TestVerify_MutationFails(t *testing.T) {
	b := NewTreeBuilder(6)
	tree, err := b.Build(balances(5), chain.EVM)
	require.NoError(t, err)
	base := tree.Proof("user-002")
	require.True(t, b.Verify(base, tree.Root))

	clone := func() *MerkleProof {
		cp := *base
		cp.Proof = append([]Hash(nil), base.Proof...)
		return &cp
	}

	cases := map[string]func(p *MerkleProof){
		"amount":      func(p *MerkleProof) { p.Amount = money.MustFrom(999) },
		"beneficiary": func(p *MerkleProof) { p.BeneficiaryID = "user-003" },
		"token":       func(p *MerkleProof) { p.Token = "USDT" },
		"sibling":     func(p *MerkleProof) { p.Proof[0][0] ^= 0xff },
		"index":       func(p *MerkleProof) { p.LeafIndex = 3 },
		"leaf_count":  func(p *MerkleProof) { p.LeafCount = 9 },
		"chain":       func(p *MerkleProof) { p.Chain = chain.SVM },
		"leaf":        func(p *MerkleProof) { p.Leaf[31] ^= 0x01 },
		"truncated":   func(p *MerkleProof) { p.Proof = p.Proof[:len(p.Proof)-1] },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := clone()
			mutate(p)
			assert.False(t, b.Verify(p, tree.Root))
		})
	}

	var otherRoot Hash
	otherRoot[0] = 1
	assert.False(t, b.Verify(base, otherRoot))
	assert.False(t, b.Verify(nil, tree.Root))
}

func TestVerify_LoneNodeSiblingMustBeSelf(t *testing.T) {
	b := NewTreeBuilder(6)
	tree, err := b.Build(balances(3), chain.EVM)
	require.NoError(t, err)

	p := tree.Proof("user-002")
	require.True(t, b.Verify(p, tree.Root))
	p.Proof[0] = tree.Levels[0][0]
	assert.False(t, b.Verify(p, tree.Root))
}

func TestEncodeLeaf_Layout(t *testing.T) {
	pre, err := EncodeLeaf(ClaimableBalance{BeneficiaryID: "ab", Token: "USDC", TotalAmount: money.MustFrom(1.5)}, 6)
	require.NoError(t, err)

	require.Len(t, pre, 1+4+2+4+4+32)
	assert.Equal(t, byte(0x00), pre[0])
	assert.Equal(t, []byte{0, 0, 0, 2, 'a', 'b'}, pre[1:7])
	assert.Equal(t, []byte{0, 0, 0, 4, 'U', 'S', 'D', 'C'}, pre[7:15])
	// 1.5 * 10^6 = 1500000 = 0x16E360
	assert.Equal(t, []byte{0x16, 0xE3, 0x60}, pre[len(pre)-3:])
}

func TestEncodeLeaf_TruncatesBelowPrecision(t *testing.T) {
	h, _ := HasherFor(chain.EVM)
	a, err := LeafHash(h, bal("a", 1.0000001), 6)
	require.NoError(t, err)
	b, err := LeafHash(h, bal("a", 1), 6)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestProof_AmountMatchesCommittedPrecision(t *testing.T) {
	b := NewTreeBuilder(6)
	in := []ClaimableBalance{
		{BeneficiaryID: "a", Token: "USDC", TotalAmount: money.MustFrom(0.0000009)},
		{BeneficiaryID: "b", Token: "USDC", TotalAmount: money.MustFrom(2.1234567)},
	}
	tree, err := b.Build(in, chain.EVM)
	require.NoError(t, err)

	pa := tree.Proof("a")
	require.NotNil(t, pa)
	assert.True(t, pa.Amount.IsZero())
	require.True(t, b.Verify(pa, tree.Root))

	pb := tree.Proof("b")
	assert.Equal(t, "2.123456", pb.Amount.String())
	require.True(t, b.Verify(pb, tree.Root))

	// 精度以下的改动不能通过校验
	pa.Amount = money.MustFrom(0.0000005)
	assert.False(t, b.Verify(pa, tree.Root))
	pb.Amount = money.MustFrom(2.1234569)
	assert.False(t, b.Verify(pb, tree.Root))

	// 输入切片不被修改
	assert.Equal(t, "0.0000009", in[0].TotalAmount.String())
}

func TestHash_EncodeParse(t *testing.T) {
	tree, err := NewTreeBuilder(6).Build(balances(2), chain.EVM)
	require.NoError(t, err)

	for _, c := range []chain.Chain{chain.EVM, chain.SVM} {
		s := tree.Root.Encode(c)
		got, err := ParseHash(c, s)
		require.NoError(t, err)
		assert.Equal(t, tree.Root, got)
	}
	assert.Equal(t, "0x", tree.Root.Encode(chain.EVM)[:2])

	_, err = ParseHash(chain.EVM, "0x1234")
	assert.ErrorIs(t, err, ErrInvalidHash)
	_, err = ParseHash(chain.SVM, "not-base58-0OIl")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth(1))
	assert.Equal(t, 1, Depth(2))
	assert.Equal(t, 2, Depth(3))
	assert.Equal(t, 2, Depth(4))
	assert.Equal(t, 3, Depth(5))
}
