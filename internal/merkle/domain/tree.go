package domain

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/wyfcoding/referral/pkg/chain"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelThreshold 一层的节点对数达到该值时并行计算
const DefaultParallelThreshold = 2048

// Tree 构建完成的树。Levels[0] 为叶子层，最后一层只有根
type Tree struct {
	Chain     chain.Chain
	Token     string
	Root      Hash
	Balances  []ClaimableBalance
	Levels    [][]Hash
	positions map[string]int
}

// LeafCount 叶子数
func (t *Tree) LeafCount() int {
	return len(t.Balances)
}

// Leaf 返回受益人的叶子哈希
func (t *Tree) Leaf(beneficiaryID string) (Hash, bool) {
	i, ok := t.positions[beneficiaryID]
	if !ok {
		return Hash{}, false
	}
	return t.Levels[0][i], true
}

// Proof 生成受益人的证明，不存在时返回 nil
func (t *Tree) Proof(beneficiaryID string) *MerkleProof {
	idx, ok := t.positions[beneficiaryID]
	if !ok {
		return nil
	}

	siblings := make([]Hash, 0, len(t.Levels)-1)
	pos := idx
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sib := pos ^ 1
		if sib >= len(level) {
			sib = pos
		}
		siblings = append(siblings, level[sib])
		pos /= 2
	}

	b := t.Balances[idx]
	return &MerkleProof{
		BeneficiaryID: b.BeneficiaryID,
		Token:         b.Token,
		Amount:        b.TotalAmount,
		Chain:         t.Chain,
		LeafIndex:     idx,
		LeafCount:     len(t.Balances),
		Leaf:          t.Levels[0][idx],
		Proof:         siblings,
	}
}

// TreeBuilder 按固定的金额精度构建树，无共享可变状态，可并发使用
type TreeBuilder struct {
	amountDecimals    int32
	parallelThreshold int
}

// NewTreeBuilder amountDecimals 为叶子金额编码的小数位数
func NewTreeBuilder(amountDecimals int32) *TreeBuilder {
	return &TreeBuilder{
		amountDecimals:    amountDecimals,
		parallelThreshold: DefaultParallelThreshold,
	}
}

// WithParallelThreshold 调整并行阈值，<=0 表示始终串行
func (b *TreeBuilder) WithParallelThreshold(n int) *TreeBuilder {
	cp := *b
	cp.parallelThreshold = n
	return &cp
}

// AmountDecimals 金额精度
func (b *TreeBuilder) AmountDecimals() int32 {
	return b.amountDecimals
}

// Build 校验并排序余额后构建树。输入的任意排列得到相同的根
func (b *TreeBuilder) Build(balances []ClaimableBalance, c chain.Chain) (*Tree, error) {
	hasher, err := HasherFor(c)
	if err != nil {
		return nil, err
	}
	sorted, err := normalize(balances)
	if err != nil {
		return nil, err
	}

	leaves := make([]Hash, len(sorted))
	positions := make(map[string]int, len(sorted))
	for i, bal := range sorted {
		// 证明中的金额与叶子承诺的金额一致
		bal.TotalAmount = bal.TotalAmount.Truncate(b.amountDecimals)
		sorted[i] = bal
		leaf, err := LeafHash(hasher, bal, b.amountDecimals)
		if err != nil {
			return nil, fmt.Errorf("beneficiary %s: %w", bal.BeneficiaryID, err)
		}
		leaves[i] = leaf
		positions[bal.BeneficiaryID] = i
	}

	levels := [][]Hash{leaves}
	for cur := leaves; len(cur) > 1; {
		cur = b.nextLevel(hasher, cur)
		levels = append(levels, cur)
	}

	return &Tree{
		Chain:     c,
		Token:     sorted[0].Token,
		Root:      levels[len(levels)-1][0],
		Balances:  sorted,
		Levels:    levels,
		positions: positions,
	}, nil
}

// nextLevel 两两合并；奇数层最后一个节点与自身配对
func (b *TreeBuilder) nextLevel(h Hasher, level []Hash) []Hash {
	pairs := (len(level) + 1) / 2
	next := make([]Hash, pairs)

	hashRange := func(from, to int) {
		for i := from; i < to; i++ {
			left := level[2*i]
			right := left
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = NodeHash(h, left, right)
		}
	}

	if b.parallelThreshold <= 0 || pairs < b.parallelThreshold {
		hashRange(0, pairs)
		return next
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (pairs + workers - 1) / workers
	var g errgroup.Group
	for from := 0; from < pairs; from += chunk {
		from, to := from, min(from+chunk, pairs)
		g.Go(func() error {
			hashRange(from, to)
			return nil
		})
	}
	_ = g.Wait()
	return next
}

// Verify 由证明中的 {受益人, 代币, 金额} 重算叶子，按 LeafIndex 的位决定左右，逐层折叠后与根精确比较
func (b *TreeBuilder) Verify(p *MerkleProof, root Hash) bool {
	if p == nil || p.LeafCount <= 0 || p.LeafIndex < 0 || p.LeafIndex >= p.LeafCount {
		return false
	}
	if len(p.Proof) != Depth(p.LeafCount) {
		return false
	}
	// 超出精度的金额不是叶子承诺的金额
	if !p.Amount.Decimal().Equal(p.Amount.Truncate(b.amountDecimals).Decimal()) {
		return false
	}
	hasher, err := HasherFor(p.Chain)
	if err != nil {
		return false
	}
	leaf, err := LeafHash(hasher, ClaimableBalance{
		BeneficiaryID: p.BeneficiaryID,
		Token:         p.Token,
		TotalAmount:   p.Amount,
	}, b.amountDecimals)
	if err != nil {
		return false
	}
	if !p.Leaf.IsZero() && p.Leaf != leaf {
		return false
	}

	computed := leaf
	idx := p.LeafIndex
	width := p.LeafCount
	for _, sib := range p.Proof {
		switch {
		case idx%2 == 1:
			computed = NodeHash(hasher, sib, computed)
		case idx == width-1:
			// 奇数层末尾节点只能与自身配对
			if sib != computed {
				return false
			}
			computed = NodeHash(hasher, computed, computed)
		default:
			computed = NodeHash(hasher, computed, sib)
		}
		idx /= 2
		width = (width + 1) / 2
	}
	return computed == root
}

// Depth 叶子数为 n 时证明的长度
func Depth(n int) int {
	d := 0
	for n > 1 {
		n = (n + 1) / 2
		d++
	}
	return d
}

func normalize(balances []ClaimableBalance) ([]ClaimableBalance, error) {
	if len(balances) == 0 {
		return nil, ErrEmptyTree
	}

	token := balances[0].Token
	seen := make(map[string]struct{}, len(balances))
	sorted := make([]ClaimableBalance, len(balances))
	for i, bal := range balances {
		if bal.BeneficiaryID == "" {
			return nil, fmt.Errorf("%w: empty beneficiary at index %d", ErrInvalidBalance, i)
		}
		if bal.Token == "" {
			return nil, fmt.Errorf("%w: empty token for %s", ErrInvalidBalance, bal.BeneficiaryID)
		}
		if bal.Token != token {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedTokens, token, bal.Token)
		}
		if _, dup := seen[bal.BeneficiaryID]; dup {
			return nil, fmt.Errorf("%w: duplicate beneficiary %s", ErrInvalidBalance, bal.BeneficiaryID)
		}
		seen[bal.BeneficiaryID] = struct{}{}
		sorted[i] = bal
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BeneficiaryID < sorted[j].BeneficiaryID
	})
	return sorted, nil
}
