package tier

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Tier
	}{
		{"free", Free},
		{"PRO", Pro},
		{" elite ", Elite},
		{"anonymous", Anonymous},
		{"", Anonymous},
		{"platinum", Anonymous},
	}
	for _, tc := range cases {
		if got := Parse(tc.in); got != tc.want {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestQuotaGates(t *testing.T) {
	if QuotaFor(Free).CanStart {
		t.Errorf("free tier must not start traders")
	}
	if QuotaFor(Anonymous).CanStart {
		t.Errorf("anonymous tier must not start traders")
	}
	if q := QuotaFor(Pro); !q.CanStart || q.MaxRunningTraders != 5 {
		t.Errorf("pro quota = %+v, want CanStart with 5 running traders", q)
	}
	if q := QuotaFor(Elite); q.MaxRunningTraders <= QuotaFor(Pro).MaxRunningTraders {
		t.Errorf("elite should allow more running traders than pro")
	}
}
