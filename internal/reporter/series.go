package reporter

import (
	"math"
	"sort"
)

// Sample is one observed (age, views) point of a channel's posts.
type Sample struct {
	AgeHours float64
	Views    int64
}

// lowerMedian returns the lower median of the view counts.
func lowerMedian(s []Sample) int64 {
	if len(s) == 0 {
		return 0
	}
	v := make([]int64, len(s))
	for i, x := range s {
		v[i] = x.Views
	}
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	return v[(len(v)-1)/2]
}

// FilterOutliers drops samples whose views exceed factor times the median.
// The result is sorted by age.
func FilterOutliers(s []Sample, factor float64) []Sample {
	if len(s) == 0 {
		return nil
	}
	out := make([]Sample, 0, len(s))
	limit := float64(lowerMedian(s)) * factor
	for _, x := range s {
		if factor > 0 && float64(x.Views) > limit {
			continue
		}
		out = append(out, x)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AgeHours < out[j].AgeHours })
	return out
}

// Interpolate estimates the views at age from age-sorted samples. Ages
// outside the observed range take the nearest sample.
func Interpolate(s []Sample, age float64) int64 {
	switch {
	case len(s) == 0:
		return 0
	case age <= s[0].AgeHours:
		return s[0].Views
	case age >= s[len(s)-1].AgeHours:
		return s[len(s)-1].Views
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].AgeHours >= age })
	lo, hi := s[i-1], s[i]
	if hi.AgeHours == lo.AgeHours {
		return hi.Views
	}
	t := (age - lo.AgeHours) / (hi.AgeHours - lo.AgeHours)
	return int64(math.Round(float64(lo.Views) + t*float64(hi.Views-lo.Views)))
}
