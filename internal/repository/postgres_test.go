package repository

import "testing"

func TestAdminFeeCents(t *testing.T) {
	tests := []struct {
		name      string
		poolCents int64
		wantFee   int64
	}{
		{name: "ровный пул", poolCents: 300, wantFee: 3},
		{name: "крупный пул", poolCents: 100000, wantFee: 1000},
		{name: "неровный пул округляется вниз", poolCents: 199, wantFee: 1},
		{name: "пул меньше рубля без комиссии", poolCents: 99, wantFee: 0},
		{name: "пустой пул", poolCents: 0, wantFee: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee := adminFeeCents(tt.poolCents)
			if fee != tt.wantFee {
				t.Fatalf("adminFeeCents(%d) = %d, want %d", tt.poolCents, fee, tt.wantFee)
			}
			winner := tt.poolCents - fee
			if winner+fee != tt.poolCents {
				t.Fatalf("winner %d + fee %d != pool %d", winner, fee, tt.poolCents)
			}
		})
	}
}
