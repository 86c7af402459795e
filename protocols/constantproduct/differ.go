package constantproduct

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ClaimBalance is one holder's claim balance.
type ClaimBalance struct {
	Holder  common.Address `json:"holder"`
	Balance *uint256.Int   `json:"balance"`
}

// SnapshotDiff describes how one snapshot changed into another.
type SnapshotDiff struct {
	// View is set to the new view when reserves, supply or sequence changed.
	View      *PoolView        `json:"view,omitempty"`
	Additions []ClaimBalance   `json:"additions,omitempty"`
	Updates   []ClaimBalance   `json:"updates,omitempty"`
	Deletions []common.Address `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d SnapshotDiff) IsEmpty() bool {
	return d.View == nil && len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

// Differ calculates the difference between two snapshots of the same pool.
// Holders appear in each list sorted by address so that diffs are deterministic.
func Differ(old, new Snapshot) SnapshotDiff {
	var diff SnapshotDiff

	if viewChanged(old.View, new.View) {
		v := new.View.Copy()
		diff.View = &v
	}

	for holder, newBalance := range new.Claims {
		oldBalance, exists := old.Claims[holder]
		if !exists {
			diff.Additions = append(diff.Additions, ClaimBalance{Holder: holder, Balance: copyAmount(newBalance)})
			continue
		}
		if !amountsEqual(oldBalance, newBalance) {
			diff.Updates = append(diff.Updates, ClaimBalance{Holder: holder, Balance: copyAmount(newBalance)})
		}
	}

	for holder := range old.Claims {
		if _, exists := new.Claims[holder]; !exists {
			diff.Deletions = append(diff.Deletions, holder)
		}
	}

	sortBalances(diff.Additions)
	sortBalances(diff.Updates)
	sort.Slice(diff.Deletions, func(i, j int) bool {
		return bytes.Compare(diff.Deletions[i][:], diff.Deletions[j][:]) < 0
	})
	return diff
}

func viewChanged(a, b PoolView) bool {
	return a.Seq != b.Seq ||
		a.Name != b.Name ||
		a.AssetX != b.AssetX ||
		a.AssetY != b.AssetY ||
		!amountsEqual(a.ReserveX, b.ReserveX) ||
		!amountsEqual(a.ReserveY, b.ReserveY) ||
		!amountsEqual(a.TotalClaims, b.TotalClaims)
}

// amountsEqual treats nil as zero.
func amountsEqual(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return isZero(a) && isZero(b)
	}
	return a.Eq(b)
}

func sortBalances(balances []ClaimBalance) {
	sort.Slice(balances, func(i, j int) bool {
		return bytes.Compare(balances[i].Holder[:], balances[j].Holder[:]) < 0
	})
}
