package util

import (
	"reflect"
	"testing"
)

func TestNewDistribution(t *testing.T) {
	d := NewDistribution([]uint64{2, 2, 2, 4})
	if d.Shards != 4 || d.Keys != 10 {
		t.Errorf("Expected 4 shards with 10 keys, got %d and %d", d.Shards, d.Keys)
	}
	if d.Min != 2 || d.Max != 4 || d.Mean != 2.5 {
		t.Errorf("Expected min 2, max 4 and mean 2.5, got %d, %d and %v", d.Min, d.Max, d.Mean)
	}
	if d.Hottest != 3 {
		t.Errorf("Expected shard 3 to be the hottest, got %d", d.Hottest)
	}
	if d.Quality != 0.625 {
		t.Errorf("Expected quality 0.625, got %v", d.Quality)
	}
	if d.Load[3].Share != 0.4 || d.Load[3].Skew != 1.6 {
		t.Errorf("Expected share 0.4 and skew 1.6 for shard 3, got %+v", d.Load[3])
	}
	if got := d.Skewed(1.5); !reflect.DeepEqual(got, []int{3}) {
		t.Errorf("Expected shard 3 to be skewed, got %v", got)
	}
}

func TestStdDev(t *testing.T) {
	d := NewDistribution([]uint64{2, 4, 4, 4, 5, 5, 7, 9})
	if d.Mean != 5 || d.StdDev != 2 {
		t.Errorf("Expected mean 5 and std deviation 2, got %v and %v", d.Mean, d.StdDev)
	}
}

func TestEvenAndHotDistributions(t *testing.T) {
	even := NewDistribution([]uint64{100, 100, 100, 100})
	if even.Quality != 1 || len(even.Skewed(1)) != 0 {
		t.Errorf("Expected an even distribution, got %+v", even)
	}

	hot := NewDistribution([]uint64{0, 400, 0, 0})
	if hot.Quality != 0.25 || hot.Hottest != 1 {
		t.Errorf("Expected quality 0.25 with shard 1 hottest, got %v and %d", hot.Quality, hot.Hottest)
	}

	for _, keys := range [][]uint64{nil, {0, 0}} {
		empty := NewDistribution(keys)
		if empty.Quality != 1 || empty.Keys != 0 || len(empty.Skewed(1)) != 0 {
			t.Errorf("Expected a neutral distribution for %v, got %+v", keys, empty)
		}
	}
}
