package plan

import "testing"

func testCatalog() *Catalog {
	return New(PriceIDs{
		ProMonthly:       "price_pro_month",
		ProYearly:        "price_pro_year",
		UnlimitedMonthly: "price_unl_month",
		UnlimitedYearly:  "price_unl_year",
	})
}

func TestCatalog_ByPriceID(t *testing.T) {
	c := testCatalog()

	tests := []struct {
		priceID   string
		wantPlan  string
		wantCycle BillingCycle
		wantOK    bool
	}{
		{"price_pro_month", Pro, Monthly, true},
		{"price_pro_year", Pro, Yearly, true},
		{"price_unl_month", Unlimited, Monthly, true},
		{"price_unl_year", Unlimited, Yearly, true},
		{"price_unknown", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.priceID, func(t *testing.T) {
			p, cycle, ok := c.ByPriceID(tt.priceID)
			if ok != tt.wantOK {
				t.Fatalf("ByPriceID(%q) ok = %v, want %v", tt.priceID, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if p.Name != tt.wantPlan {
				t.Errorf("plan = %q, want %q", p.Name, tt.wantPlan)
			}
			if cycle != tt.wantCycle {
				t.Errorf("cycle = %q, want %q", cycle, tt.wantCycle)
			}
		})
	}
}

func TestCatalog_TierOrdering(t *testing.T) {
	c := testCatalog()

	if !(c.Tier(Unlimited) > c.Tier(Pro) && c.Tier(Pro) > c.Tier(Free)) {
		t.Errorf("tier order unlimited > pro > free violated: %d, %d, %d",
			c.Tier(Unlimited), c.Tier(Pro), c.Tier(Free))
	}
	if c.Tier("enterprise") != 0 {
		t.Errorf("unknown plan tier = %d, want 0", c.Tier("enterprise"))
	}
}

func TestCatalog_TokenAllocations(t *testing.T) {
	c := testCatalog()

	pro, ok := c.ByName(Pro)
	if !ok {
		t.Fatal("pro plan missing")
	}
	if pro.Tokens != 150 {
		t.Errorf("pro tokens = %d, want 150", pro.Tokens)
	}
	if !pro.RenewalCredit {
		t.Error("pro should be eligible for renewal credits")
	}

	free, ok := c.ByName(Free)
	if !ok {
		t.Fatal("free plan missing")
	}
	if free.RenewalCredit {
		t.Error("free must not be eligible for renewal credits")
	}
	if len(free.PriceIDs) != 0 {
		t.Error("free must have no provider price ids")
	}
}

func TestCatalog_EmptyPriceIDsNotIndexed(t *testing.T) {
	c := New(PriceIDs{ProMonthly: "price_pro_month"})

	if _, _, ok := c.ByPriceID(""); ok {
		t.Error("empty price id must never resolve to a plan")
	}
	if _, ok := c.PriceID(Pro, Yearly); ok {
		t.Error("unconfigured price id should not resolve")
	}
	if _, ok := c.PriceID(Pro, Monthly); !ok {
		t.Error("configured price id should resolve")
	}
}

func TestParseBillingCycle(t *testing.T) {
	tests := []struct {
		in     string
		want   BillingCycle
		wantOK bool
	}{
		{"monthly", Monthly, true},
		{"month", Monthly, true},
		{"Yearly", Yearly, true},
		{"annual", Yearly, true},
		{"weekly", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseBillingCycle(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseBillingCycle(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
