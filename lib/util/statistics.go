// Package util
//
// This file summarizes how the keys of one prefix spread over its shards. The
// store counts the keys of every shard when GetInfo is called (a scan of each
// shard) and reports the summary per prefix, so a hash range that sends most
// keys to a few shards shows up as skew.
package util

import (
	"math"
)

// ShardLoad is the key count of one shard relative to an even split
type ShardLoad struct {
	Shard int     `json:"shard"`
	Keys  uint64  `json:"keys"`
	Share float64 `json:"share"` // fraction of the prefix's keys
	Skew  float64 `json:"skew"`  // keys divided by the even share, 1 = even
}

// Distribution is the spread of a prefix's keys over its shards
type Distribution struct {
	Shards  int     `json:"shards"`
	Keys    uint64  `json:"keys"`
	Min     uint64  `json:"min"`
	Max     uint64  `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_deviation"`
	Hottest int     `json:"hottest"` // shard holding the most keys, the lowest index on ties

	// Quality is mean / max: 1 when every shard holds the same number of keys,
	// 1/Shards when one shard holds all of them. An empty prefix has quality 1.
	Quality float64     `json:"quality"`
	Load    []ShardLoad `json:"load"`
}

// NewDistribution summarizes the key counts of the shards of one prefix
func NewDistribution(keys []uint64) Distribution {
	d := Distribution{Shards: len(keys), Quality: 1, Load: make([]ShardLoad, len(keys))}
	if len(keys) == 0 {
		return d
	}

	d.Min = keys[0]
	for i, n := range keys {
		d.Keys += n
		if n < d.Min {
			d.Min = n
		}
		if n > d.Max {
			d.Max, d.Hottest = n, i
		}
	}
	d.Mean = float64(d.Keys) / float64(len(keys))

	var squares float64
	for i, n := range keys {
		diff := float64(n) - d.Mean
		squares += diff * diff

		load := ShardLoad{Shard: i, Keys: n, Skew: 1}
		if d.Keys > 0 {
			load.Share = float64(n) / float64(d.Keys)
			load.Skew = float64(n) / d.Mean
		}
		d.Load[i] = load
	}
	d.StdDev = math.Sqrt(squares / float64(len(keys)))

	if d.Max > 0 {
		d.Quality = d.Mean / float64(d.Max)
	}
	return d
}

// Skewed returns the shards holding more than factor times their even share
func (d Distribution) Skewed(factor float64) []int {
	var out []int
	for _, l := range d.Load {
		if l.Skew > factor {
			out = append(out, l.Shard)
		}
	}
	return out
}
