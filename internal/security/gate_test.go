package security

import (
	"context"
	"testing"

	"github.com/haasonsaas/orchestrator/internal/provider"
)

type mapLookup map[string]*provider.Client

func (m mapLookup) Provider(name string) (*provider.Client, bool) {
	c, ok := m[name]
	return c, ok
}

func TestDeriveRiskThresholdTable(t *testing.T) {
	cases := []struct {
		name       string
		safe       bool
		confidence float64
		threats    []string
		want       Risk
	}{
		{"safe no threats", true, 0.9, nil, RiskNone},
		{"unsafe high confidence", false, 0.81, nil, RiskHigh},
		{"unsafe boundary 0.8 is medium", false, 0.8, nil, RiskMedium},
		{"unsafe medium confidence", false, 0.6, nil, RiskMedium},
		{"unsafe boundary 0.5 is low", false, 0.5, nil, RiskLow},
		{"unsafe low confidence", false, 0.1, nil, RiskLow},
		{"safe low confidence", true, 0.3, []string{"x"}, RiskLow},
		{"safe mid confidence with threats", true, 0.7, []string{"x"}, RiskNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveRisk(tc.safe, tc.confidence, tc.threats)
			if got != tc.want {
				t.Fatalf("deriveRisk(%v,%v,%v) = %v, want %v", tc.safe, tc.confidence, tc.threats, got, tc.want)
			}
		})
	}
}

func TestScanFailOpenWhenProviderMissing(t *testing.T) {
	g := New("security", mapLookup{}, FailOpen, nil)
	result := g.Scan(context.Background(), "hello", "test")
	if !result.Allowed || result.Risk != RiskNone {
		t.Fatalf("expected fail-open verdict, got %+v", result)
	}
}

func TestScanFailClosedWhenProviderMissing(t *testing.T) {
	g := New("security", mapLookup{}, FailClosed, nil)
	result := g.Scan(context.Background(), "hello", "test")
	if result.Allowed || result.Risk != RiskHigh {
		t.Fatalf("expected fail-closed verdict, got %+v", result)
	}
}

func TestResultAllowedMatchesRiskLevel(t *testing.T) {
	for _, tc := range []struct {
		risk Risk
		want bool
	}{
		{RiskNone, true},
		{RiskLow, true},
		{RiskMedium, false},
		{RiskHigh, false},
	} {
		r := Result{Risk: tc.risk, Allowed: tc.risk == RiskNone || tc.risk == RiskLow}
		if r.Allowed != tc.want {
			t.Fatalf("risk %v: allowed=%v want %v", tc.risk, r.Allowed, tc.want)
		}
	}
}
