package custody

import (
	"errors"
	"testing"

	"casedesk/internal/domain/model"
)

func seededEvidence() model.Evidence {
	return model.Evidence{
		ID:               "EVD-2024-002-02",
		IncidentID:       "INC-2024-002",
		CurrentCustodian: "Mike Responder",
		CustodyChain: []model.CustodyTransfer{
			SeedChain("", "Mike Responder", 1700000000),
		},
	}
}

func TestTransferCustody(t *testing.T) {
	ev := seededEvidence()

	out, err := TransferCustody(ev, "", "Sarah Investigator", "Transfer to lead investigator", "", true, 1700000100)
	if err != nil {
		t.Fatalf("TransferCustody: %v", err)
	}

	if len(out.CustodyChain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(out.CustodyChain))
	}
	last := out.CustodyChain[len(out.CustodyChain)-1]
	if last.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", last.Sequence)
	}
	if last.From != "Mike Responder" || last.To != "Sarah Investigator" {
		t.Errorf("hand-off = %s -> %s, want Mike Responder -> Sarah Investigator", last.From, last.To)
	}
	if out.CurrentCustodian != "Sarah Investigator" {
		t.Errorf("current custodian = %s, want Sarah Investigator", out.CurrentCustodian)
	}

	// 原值不被修改（纯计算）。
	if len(ev.CustodyChain) != 1 || ev.CurrentCustodian != "Mike Responder" {
		t.Errorf("input evidence was mutated: %+v", ev)
	}
}

func TestTransferCustodyInvariants(t *testing.T) {
	ev := seededEvidence()
	for _, to := range []string{"Sarah Investigator", "Evidence Locker", "Dana Manager"} {
		var err error
		ev, err = TransferCustody(ev, "", to, "routine hand-off", "", false, 1700000200)
		if err != nil {
			t.Fatalf("TransferCustody(%s): %v", to, err)
		}
	}

	// 序号必须连续且 1 起步；current_custodian 必须等于链尾 to。
	for i, e := range ev.CustodyChain {
		if e.Sequence != i+1 {
			t.Errorf("chain[%d].sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
	if ev.CurrentCustodian != ev.CustodyChain[len(ev.CustodyChain)-1].To {
		t.Errorf("custodian invariant broken: %s", ev.CurrentCustodian)
	}
}

func TestTransferCustodyRejections(t *testing.T) {
	ev := seededEvidence()

	if _, err := TransferCustody(model.Evidence{ID: "EVD-X"}, "", "Sarah", "r", "", false, 1); !errors.Is(err, ErrEmptyChain) {
		t.Errorf("empty chain: err = %v, want ErrEmptyChain", err)
	}
	if _, err := TransferCustody(ev, "", "Sarah Investigator", "  ", "", false, 1); !errors.Is(err, ErrEmptyReason) {
		t.Errorf("empty reason: err = %v, want ErrEmptyReason", err)
	}
	if _, err := TransferCustody(ev, "", "Mike Responder", "loop", "", false, 1); !errors.Is(err, ErrSameCustodian) {
		t.Errorf("no-op transfer: err = %v, want ErrSameCustodian", err)
	}
	if _, err := TransferCustody(ev, "", "", "reason", "", false, 1); !errors.Is(err, ErrEmptyParty) {
		t.Errorf("empty target: err = %v, want ErrEmptyParty", err)
	}
	// 显式 from 与当前保管人不一致时拒绝。
	if _, err := TransferCustody(ev, "Someone Else", "Sarah Investigator", "reason", "", false, 1); err == nil {
		t.Errorf("mismatched from party must be rejected")
	}
}

func TestSeedChain(t *testing.T) {
	seed := SeedChain("", "Mike Responder", 42)
	if seed.Sequence != 1 || seed.From != CollectionSource || seed.To != "Mike Responder" {
		t.Fatalf("unexpected seed entry: %+v", seed)
	}
	prod := SeedChain("web-prod-01", "Sarah Investigator", 42)
	if prod.From != "web-prod-01" {
		t.Fatalf("seed source = %s, want web-prod-01", prod.From)
	}
}

func TestVerifyChain(t *testing.T) {
	ev := seededEvidence()
	ev, err := TransferCustody(ev, "", "Sarah Investigator", "lead investigator takes over", "Dana Manager", true, 1700000100)
	if err != nil {
		t.Fatalf("TransferCustody: %v", err)
	}

	if res := VerifyChain(ev); !res.OK {
		t.Fatalf("expected valid chain, got %+v", res.Failures)
	}

	// 篡改序号 -> 连续性与衔接校验报错。
	broken := ev
	broken.CustodyChain = append([]model.CustodyTransfer{}, ev.CustodyChain...)
	broken.CustodyChain[1].Sequence = 5
	if res := VerifyChain(broken); res.OK {
		t.Fatalf("expected sequence failure")
	}

	// custodian 与链尾不一致。
	drift := ev
	drift.CurrentCustodian = "Mike Responder"
	res := VerifyChain(drift)
	if res.OK {
		t.Fatalf("expected custodian mismatch failure")
	}

	// 空链是硬失败。
	if res := VerifyChain(model.Evidence{ID: "EVD-E"}); res.OK || res.Total != 0 {
		t.Fatalf("expected empty-chain failure, got %+v", res)
	}
}
