package reporter

import (
	"math"
	"testing"
)

func TestFilterOutliersAndInterpolate(t *testing.T) {
	t.Parallel()
	in := []Sample{{1, 100}, {2, 110}, {3, 5000}, {4, 120}}
	if m := lowerMedian(in); m != 110 {
		t.Fatalf("median = %d, want 110", m)
	}
	got := FilterOutliers(in, 10)
	if len(got) != 3 {
		t.Fatalf("filtered = %v", got)
	}
	for _, s := range got {
		if s.Views == 5000 {
			t.Fatal("spike survived the filter")
		}
	}
	v := Interpolate(got, 2.5)
	if v < 110 || v > 120 {
		t.Fatalf("interpolated = %d, want within [110, 120]", v)
	}
	if v != 113 {
		t.Fatalf("interpolated = %d, want 113", v)
	}
}

func TestInterpolateClamps(t *testing.T) {
	t.Parallel()
	s := []Sample{{AgeHours: 5, Views: 50}, {AgeHours: 10, Views: 100}}
	cases := []struct {
		age  float64
		want int64
	}{
		{1, 50},
		{5, 50},
		{7.5, 75},
		{10, 100},
		{72, 100},
	}
	for _, tc := range cases {
		if got := Interpolate(s, tc.age); got != tc.want {
			t.Fatalf("Interpolate(%v) = %d, want %d", tc.age, got, tc.want)
		}
	}
	if got := Interpolate(nil, 3); got != 0 {
		t.Fatalf("empty = %d", got)
	}
}

func TestLowerMedian(t *testing.T) {
	t.Parallel()
	if got := lowerMedian([]Sample{{0, 9}, {0, 1}, {0, 5}}); got != 5 {
		t.Fatalf("odd = %d", got)
	}
	if got := lowerMedian([]Sample{{0, 40}, {0, 10}, {0, 30}, {0, 20}}); got != 20 {
		t.Fatalf("even = %d", got)
	}
}

func TestChannelStats(t *testing.T) {
	t.Parallel()
	posts := []Sample{{12, 600}, {30, 1200}, {60, 1800}, {20, 90000}}
	got := ChannelStats(posts, 10)
	want := [3]int64{1000, 1560, 1800}
	if got != want {
		t.Fatalf("stats = %v, want %v", got, want)
	}
}

func TestMoney(t *testing.T) {
	t.Parallel()
	if got := Money(500, 3000); got != 1500 {
		t.Fatalf("money = %v", got)
	}
	if got := Convert(1500, 100); math.Abs(got-15) > 1e-9 {
		t.Fatalf("convert = %v", got)
	}
	if got := Convert(1500, 0); got != 1500 {
		t.Fatalf("convert with unset rate = %v", got)
	}
}
