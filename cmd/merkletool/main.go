// 离线默克尔工具：从可领取余额 JSON 生成根与证明，或校验已有证明
// 输入格式：[{"beneficiary_id":"U1","token":"USDC","total_amount":"12.5"}, ...]
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

// proofDocument 证明的 JSON 形式，哈希按链族编码
type proofDocument struct {
	Chain         string      `json:"chain"`
	Root          string      `json:"root"`
	BeneficiaryID string      `json:"beneficiary_id"`
	Token         string      `json:"token"`
	Amount        money.Money `json:"amount"`
	LeafIndex     int         `json:"leaf_index"`
	LeafCount     int         `json:"leaf_count"`
	Leaf          string      `json:"leaf"`
	Proof         []string    `json:"proof"`
}

func main() {
	balancesPath := pflag.StringP("balances", "b", "", "可领取余额 JSON 文件")
	chainName := pflag.String("chain", "EVM", "链族：EVM 或 SVM")
	decimals := pflag.Int32("decimals", 6, "叶子金额的小数位")
	proofFor := pflag.String("proof-for", "", "输出该受益人的证明")
	verifyPath := pflag.String("verify", "", "校验证明 JSON 文件（proof-for 的输出）")
	pflag.Parse()

	if err := run(os.Stdout, *balancesPath, *chainName, *decimals, *proofFor, *verifyPath); err != nil {
		fmt.Fprintf(os.Stderr, "merkletool: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, balancesPath, chainName string, decimals int32, proofFor, verifyPath string) error {
	c, err := chain.ParseChain(chainName)
	if err != nil {
		return err
	}
	builder := domain.NewTreeBuilder(decimals)

	if verifyPath != "" {
		return verify(out, builder, verifyPath)
	}
	if balancesPath == "" {
		pflag.Usage()
		return errors.New("--balances is required")
	}

	balances, err := readBalances(balancesPath)
	if err != nil {
		return err
	}
	tree, err := builder.Build(balances, c)
	if err != nil {
		return err
	}

	if proofFor == "" {
		fmt.Fprintf(out, "chain: %s\n", c)
		fmt.Fprintf(out, "token: %s\n", tree.Token)
		fmt.Fprintf(out, "root: %s\n", tree.Root.Encode(c))
		fmt.Fprintf(out, "leafCount: %d\n", tree.LeafCount())
		return nil
	}

	p := tree.Proof(proofFor)
	if p == nil {
		return fmt.Errorf("beneficiary %q not in tree", proofFor)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(proofDocument{
		Chain:         c.String(),
		Root:          tree.Root.Encode(c),
		BeneficiaryID: p.BeneficiaryID,
		Token:         p.Token,
		Amount:        p.Amount,
		LeafIndex:     p.LeafIndex,
		LeafCount:     p.LeafCount,
		Leaf:          p.Leaf.Encode(c),
		Proof:         domain.EncodeHashes(c, p.Proof),
	})
}

func verify(out io.Writer, builder *domain.TreeBuilder, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc proofDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode proof: %w", err)
	}
	c, err := chain.ParseChain(doc.Chain)
	if err != nil {
		return err
	}
	root, err := domain.ParseHash(c, doc.Root)
	if err != nil {
		return err
	}
	leaf, err := domain.ParseHash(c, doc.Leaf)
	if err != nil {
		return err
	}
	siblings, err := domain.ParseHashes(c, doc.Proof)
	if err != nil {
		return err
	}
	p := &domain.MerkleProof{
		BeneficiaryID: doc.BeneficiaryID,
		Token:         doc.Token,
		Amount:        doc.Amount,
		Chain:         c,
		LeafIndex:     doc.LeafIndex,
		LeafCount:     doc.LeafCount,
		Leaf:          leaf,
		Proof:         siblings,
	}
	if !builder.Verify(p, root) {
		return domain.ErrInvalidProof
	}
	fmt.Fprintln(out, "valid")
	return nil
}

func readBalances(path string) ([]domain.ClaimableBalance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var balances []domain.ClaimableBalance
	if err := json.Unmarshal(raw, &balances); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	return balances, nil
}
